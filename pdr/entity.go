// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr

import (
	"fmt"
	"log/slog"
)

// EntityNode is one node of the entity-association tree. Each node owns the
// entities it contains.
type EntityNode struct {
	Entity   Entity
	Children []*EntityNode
}

// find BFS-searches the subtree rooted at n for a node with the given
// entity identity.
func (n *EntityNode) find(e Entity) *EntityNode {
	queue := []*EntityNode{n}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node.Entity == e {
			return node
		}
		queue = append(queue, node.Children...)
	}
	return nil
}

// insert appends assoc's children under parent, discarding any child whose
// identity already appears in the tree. Such a child would introduce a
// cycle.
func (n *EntityNode) insert(parent *EntityNode, assoc *Association) {
	for _, child := range assoc.Children {
		if n.find(child) != nil {
			slog.Warn("discarding cyclic entity association",
				"entity", child.String())
			continue
		}
		parent.Children = append(parent.Children, &EntityNode{Entity: child})
	}
}

// BuildEntityTree constructs the entity-association tree from the flat
// association list. The root is the association whose container's container
// id equals the Terminus Locator's container id; multiple associations
// sharing that root are merged into one node. Remaining associations are
// attached in repeated passes until no progress is made; associations that
// never find a parent are dropped.
func BuildEntityTree(assocs []*Association, containerID uint16) (*EntityNode, error) {
	var root *EntityNode
	var pending []*Association
	for _, a := range assocs {
		if a.Container.Container != containerID {
			pending = append(pending, a)
			continue
		}
		if root == nil {
			root = &EntityNode{Entity: a.Container}
		}
		root.insert(root, a)
	}
	if root == nil {
		return nil, fmt.Errorf("no entity association matches container id %d", containerID)
	}

	for len(pending) > 0 {
		var next []*Association
		for _, a := range pending {
			parent := root.find(a.Container)
			if parent == nil {
				next = append(next, a)
				continue
			}
			root.insert(parent, a)
		}
		if len(next) == len(pending) {
			slog.Warn("invalid entity association PDRs found",
				"unattached", len(next))
			break
		}
		pending = next
	}
	return root, nil
}

// Walk visits every node of the tree depth-first, passing the root-to-node
// entity path (inclusive) to fn.
func (n *EntityNode) Walk(fn func(path []Entity)) {
	n.walk(nil, fn)
}

func (n *EntityNode) walk(prefix []Entity, fn func(path []Entity)) {
	path := append(append([]Entity{}, prefix...), n.Entity)
	fn(path)
	for _, child := range n.Children {
		child.walk(path, fn)
	}
}

// NodeCount returns the number of nodes in the tree.
func (n *EntityNode) NodeCount() int {
	count := 0
	n.Walk(func([]Entity) { count++ })
	return count
}
