// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers shared by the
// vjbus binaries. Raw stderr output is confined here: everything
// after logger construction goes through slog.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it
// in main() for errors from run(), where the structured logger may
// not be initialized yet. A non-zero exit is what engages the
// supervisor's restart and backoff machinery.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
