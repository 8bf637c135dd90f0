// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import "testing"

func TestTrieExactMatch(t *testing.T) {
	subscriptions := newTrie()
	fired := 0
	subscriptions.add("/audio/levels", func(Message) { fired++ })

	for _, handler := range subscriptions.match("/audio/levels") {
		handler(Message{})
	}
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestTriePrefixMatch(t *testing.T) {
	subscriptions := newTrie()
	var got []string
	subscriptions.add("/audio", func(m Message) { got = append(got, "prefix") })
	subscriptions.add("/audio/levels", func(m Message) { got = append(got, "exact") })
	subscriptions.add("/lyrics", func(m Message) { got = append(got, "other") })

	for _, handler := range subscriptions.match("/audio/levels") {
		handler(Message{})
	}

	if len(got) != 2 {
		t.Fatalf("matched %d handlers (%v), want 2", len(got), got)
	}
	if got[0] != "prefix" || got[1] != "exact" {
		t.Errorf("match order = %v, want [prefix exact]", got)
	}
}

func TestTrieRootCatchesEverything(t *testing.T) {
	subscriptions := newTrie()
	fired := 0
	subscriptions.add("/", func(Message) { fired++ })

	for _, address := range []string{"/audio/levels", "/lyrics/line", "/x"} {
		for _, handler := range subscriptions.match(address) {
			handler(Message{})
		}
	}
	if fired != 3 {
		t.Errorf("fired = %d, want 3", fired)
	}
}

func TestTrieNoMatchBelowSubscription(t *testing.T) {
	subscriptions := newTrie()
	subscriptions.add("/audio/levels", func(Message) { t.Error("handler fired for parent address") })

	if handlers := subscriptions.match("/audio"); len(handlers) != 0 {
		t.Errorf("matched %d handlers for parent address, want 0", len(handlers))
	}
}

func TestTrieSiblingIsolation(t *testing.T) {
	subscriptions := newTrie()
	subscriptions.add("/audio", func(Message) { t.Error("audio handler fired for lyrics address") })

	if handlers := subscriptions.match("/lyrics/line"); len(handlers) != 0 {
		t.Errorf("matched %d handlers across siblings, want 0", len(handlers))
	}
}

func TestSplitAddressNormalizes(t *testing.T) {
	cases := []struct {
		address string
		want    int
	}{
		{"/audio/levels", 2},
		{"audio/levels", 2},
		{"/audio//levels/", 2},
		{"/", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := splitAddress(tc.address); len(got) != tc.want {
			t.Errorf("splitAddress(%q) = %v, want %d segments", tc.address, got, tc.want)
		}
	}
}
