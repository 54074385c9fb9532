// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr

import "fmt"

// PathMap maps synthesized object paths to the entity each path names. It
// is consumed once during publication and then dropped.
type PathMap map[string]Entity

// BuildPaths walks the entity tree root to leaf and joins auxiliary names
// (or the type_instance_container fallback) into object paths under prefix.
func BuildPaths(root *EntityNode, names map[Entity]string, prefix string) PathMap {
	paths := make(PathMap)
	root.Walk(func(path []Entity) {
		p := prefix
		for _, e := range path {
			name, ok := names[e]
			if !ok {
				name = e.String()
			}
			p += "/" + name
		}
		// First writer wins when two entities sanitize to one path.
		if _, taken := paths[p]; !taken {
			paths[p] = path[len(path)-1]
		}
	})
	return paths
}

// PathOf returns the path mapped to e, if any.
func (m PathMap) PathOf(e Entity) (string, bool) {
	for p, entity := range m {
		if entity == e {
			return p, true
		}
	}
	return "", false
}

// DeviceName derives the terminus-level auxiliary name used to prefix
// sensor and effecter names: the root entity's auxiliary name followed by
// _<tid> when present and valid after sanitization, otherwise
// PLDM_Device_<tid>.
func DeviceName(root *EntityNode, names map[Entity]string, tid uint8) string {
	if root != nil {
		if name, ok := names[root.Entity]; ok {
			out, valid := sanitizeName(fmt.Sprintf("%s_%d", name, tid))
			if valid {
				return out
			}
		}
	}
	return fmt.Sprintf("PLDM_Device_%d", tid)
}
