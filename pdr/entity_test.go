// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr_test

import (
	"testing"

	"github.com/openbmc/go-pldm/pdr"
)

func assoc(container pdr.Entity, children ...pdr.Entity) *pdr.Association {
	return &pdr.Association{Container: container, Children: children}
}

func TestBuildEntityTree(t *testing.T) {
	root := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	board := pdr.Entity{Type: 60, Instance: 1, Container: 1}
	cpu := pdr.Entity{Type: 135, Instance: 1, Container: 2}
	dimm := pdr.Entity{Type: 66, Instance: 1, Container: 3}

	tree, err := pdr.BuildEntityTree([]*pdr.Association{
		assoc(board, cpu, dimm),
		assoc(root, board),
	}, 100)
	if err != nil {
		t.Fatalf("BuildEntityTree: %v", err)
	}
	if tree.Entity != root {
		t.Errorf("root entity: got %+v", tree.Entity)
	}
	if got := tree.NodeCount(); got != 4 {
		t.Errorf("NodeCount: got %d, want 4", got)
	}
}

func TestBuildEntityTreeMergesSharedRoot(t *testing.T) {
	root := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	a := pdr.Entity{Type: 60, Instance: 1, Container: 1}
	b := pdr.Entity{Type: 60, Instance: 2, Container: 1}

	tree, err := pdr.BuildEntityTree([]*pdr.Association{
		assoc(root, a),
		assoc(root, b),
	}, 100)
	if err != nil {
		t.Fatalf("BuildEntityTree: %v", err)
	}
	if got := len(tree.Children); got != 2 {
		t.Errorf("merged root children: got %d, want 2", got)
	}
}

func TestBuildEntityTreeRejectsCycle(t *testing.T) {
	root := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	a := pdr.Entity{Type: 60, Instance: 1, Container: 1}

	// a contains the root: appending it would introduce a cycle.
	tree, err := pdr.BuildEntityTree([]*pdr.Association{
		assoc(root, a),
		assoc(a, root),
	}, 100)
	if err != nil {
		t.Fatalf("BuildEntityTree: %v", err)
	}
	if got := tree.NodeCount(); got != 2 {
		t.Errorf("NodeCount after cycle rejection: got %d, want 2", got)
	}
}

// BFS from the root must reach every node exactly once after ingestion.
func TestEntityTreeAcyclic(t *testing.T) {
	root := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	entities := []pdr.Entity{
		{Type: 60, Instance: 1, Container: 1},
		{Type: 60, Instance: 2, Container: 1},
		{Type: 135, Instance: 1, Container: 2},
	}
	tree, err := pdr.BuildEntityTree([]*pdr.Association{
		assoc(root, entities[0], entities[1]),
		assoc(entities[0], entities[2]),
		assoc(entities[2], root), // cyclic, must be dropped
	}, 100)
	if err != nil {
		t.Fatalf("BuildEntityTree: %v", err)
	}

	seen := make(map[pdr.Entity]int)
	tree.Walk(func(path []pdr.Entity) {
		seen[path[len(path)-1]]++
	})
	if len(seen) != 4 {
		t.Errorf("distinct nodes: got %d, want 4", len(seen))
	}
	for e, n := range seen {
		if n != 1 {
			t.Errorf("entity %v visited %d times", e, n)
		}
	}
}

func TestBuildEntityTreeNoRoot(t *testing.T) {
	a := pdr.Entity{Type: 60, Instance: 1, Container: 1}
	b := pdr.Entity{Type: 60, Instance: 2, Container: 2}
	if _, err := pdr.BuildEntityTree([]*pdr.Association{assoc(a, b)}, 100); err == nil {
		t.Fatal("expected error when no association matches the container id")
	}
}

func TestBuildPaths(t *testing.T) {
	root := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	board := pdr.Entity{Type: 60, Instance: 1, Container: 1}
	tree, err := pdr.BuildEntityTree([]*pdr.Association{assoc(root, board)}, 100)
	if err != nil {
		t.Fatalf("BuildEntityTree: %v", err)
	}

	names := map[pdr.Entity]string{root: "Chassis", board: "Baseboard"}
	paths := pdr.BuildPaths(tree, names, "/system/1")
	if path, ok := paths.PathOf(board); !ok || path != "/system/1/Chassis/Baseboard" {
		t.Errorf("board path: got %q (found %v)", path, ok)
	}

	// Entities with no auxiliary name fall back to type_instance_container.
	paths = pdr.BuildPaths(tree, nil, "/system/1")
	if path, ok := paths.PathOf(board); !ok || path != "/system/1/45_1_100/60_1_1" {
		t.Errorf("fallback path: got %q (found %v)", path, ok)
	}
}
