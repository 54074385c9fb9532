// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import "fmt"

// stateSet names the well-known PLDM state sets (DSP0249) that appear in
// state-change events, with readable names for their values.
type stateSet struct {
	name   string
	values map[uint8]string
}

var stateSets = map[uint16]stateSet{
	1: {name: "Health State", values: map[uint8]string{
		1: "Normal", 2: "Non-Critical", 3: "Critical", 4: "Fatal",
		5: "Upper Non-Critical", 6: "Lower Non-Critical",
		7: "Upper Critical", 8: "Lower Critical",
		9: "Upper Fatal", 10: "Lower Fatal",
	}},
	2: {name: "Availability", values: map[uint8]string{
		1: "Enabled", 2: "Disabled", 3: "Shutdown", 4: "Offline",
		5: "Online", 6: "Offduty", 7: "Available", 8: "Standby",
		9: "Sleep Light", 10: "Sleep Deep", 11: "In Test",
	}},
	4: {name: "Operational Status", values: map[uint8]string{
		1: "Enabled", 2: "Disabled", 3: "Starting", 4: "Stopping",
		5: "Stopped", 6: "Suspended", 7: "Aborted", 8: "Dormant",
	}},
	5: {name: "Operational Stress Status", values: map[uint8]string{
		1: "Normal", 2: "Stressed",
	}},
	11: {name: "Power State", values: map[uint8]string{
		1: "On", 2: "Cycle Off Soft", 3: "Cycle Off Hard",
		4: "Off Soft", 5: "Off Hard", 6: "Restore",
	}},
	33: {name: "Boot Progress", values: map[uint8]string{
		1: "Boot Not Active", 2: "Boot Completed", 3: "Memory Initialization",
		4: "Secondary Processor Initialization", 5: "PCI Resource Configuration",
	}},
	96: {name: "Presence", values: map[uint8]string{
		1: "Present", 2: "Not Present",
	}},
	192: {name: "Performance", values: map[uint8]string{
		1: "Normal", 2: "Throttled",
	}},
}

// stateSetNames resolves a state set id and a from/to value pair into
// readable names. Unknown sets or values fall back to numeric forms so a
// transition is never silently dropped.
func stateSetNames(setID uint16, from, to uint8) (setName, fromName, toName string, ok bool) {
	set, known := stateSets[setID]
	if !known {
		return fmt.Sprintf("StateSet_%d", setID),
			fmt.Sprintf("State_%d", from), fmt.Sprintf("State_%d", to), true
	}
	fromName, okFrom := set.values[from]
	if !okFrom {
		fromName = fmt.Sprintf("State_%d", from)
	}
	toName, okTo := set.values[to]
	if !okTo {
		toName = fmt.Sprintf("State_%d", to)
	}
	return set.name, fromName, toName, true
}
