// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PersistedWorker is one worker's entry in the supervisor state
// file. Generation continuity across supervisor restarts is the
// load-bearing field; the rest lets a restarted coordinator read the
// roster's last known shape without probing.
type PersistedWorker struct {
	Generation int    `json:"generation"`
	PID        int    `json:"pid,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Status     string `json:"status"`
}

// persistedState is the supervisor state file contents.
type persistedState struct {
	Workers map[string]PersistedWorker `json:"workers"`
}

// StatePath returns the supervisor state file location under the bus
// root.
func StatePath(busRoot string) string {
	return filepath.Join(busRoot, "supervisor-state.json")
}

func loadState(path string) (persistedState, error) {
	state := persistedState{Workers: make(map[string]PersistedWorker)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("reading supervisor state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt state file must not brick the console; the
		// caller logs and continues with fresh state.
		return persistedState{Workers: make(map[string]PersistedWorker)}, fmt.Errorf("parsing supervisor state: %w", err)
	}
	if state.Workers == nil {
		state.Workers = make(map[string]PersistedWorker)
	}
	return state, nil
}

// saveState writes atomically: temp file, fsync, rename. A crash
// mid-write leaves the previous state intact.
func saveState(path string, state persistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling supervisor state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary state file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary state file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}
