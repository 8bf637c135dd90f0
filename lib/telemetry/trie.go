// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import "strings"

// Handler consumes one telemetry message. Handlers run on the
// receiver's read goroutine and must return quickly.
type Handler func(Message)

// Message is a decoded telemetry datagram as delivered to handlers.
type Message struct {
	Worker   string
	Address  string
	Sequence uint64
	Args     []any
}

// trie stores subscriptions keyed by slash-delimited address
// segments. A handler registered at a node fires for that address and
// everything beneath it, so dispatch is one root-to-leaf walk —
// O(address segments), independent of how many patterns are
// registered.
type trie struct {
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	handlers []Handler
}

func newTrie() *trie {
	return &trie{root: &trieNode{}}
}

// splitAddress breaks "/audio/levels" into ["audio", "levels"].
// Empty segments from doubled or trailing slashes are dropped. The
// bare root "/" yields no segments and matches everything.
func splitAddress(address string) []string {
	parts := strings.Split(address, "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// add registers a handler at the pattern's node, creating the path as
// needed.
func (t *trie) add(pattern string, handler Handler) {
	node := t.root
	for _, segment := range splitAddress(pattern) {
		if node.children == nil {
			node.children = make(map[string]*trieNode)
		}
		child, ok := node.children[segment]
		if !ok {
			child = &trieNode{}
			node.children[segment] = child
		}
		node = child
	}
	node.handlers = append(node.handlers, handler)
}

// match walks the address once from the root, collecting handlers at
// every node along the path (prefix subscriptions) including the
// terminal node (exact subscriptions).
func (t *trie) match(address string) []Handler {
	var matched []Handler
	node := t.root
	matched = append(matched, node.handlers...)
	for _, segment := range splitAddress(address) {
		child, ok := node.children[segment]
		if !ok {
			return matched
		}
		node = child
		matched = append(matched, node.handlers...)
	}
	return matched
}
