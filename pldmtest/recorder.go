// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldmtest

import (
	"sync"

	"github.com/openbmc/go-pldm/publish"
)

// Recorder is a publish.Publisher that captures everything for
// assertions.
type Recorder struct {
	mu sync.Mutex

	Inventory    []publish.Inventory
	FRUs         []publish.FRURecordSet
	Numeric      []publish.NumericReading
	States       []publish.StateReading
	StateChanges []publish.StateChangeEvent
	Updates      []publish.UpdateStatus
	Removed      []uint8
}

// PublishInventory implements publish.Publisher.
func (r *Recorder) PublishInventory(v publish.Inventory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inventory = append(r.Inventory, v)
	return nil
}

// PublishFRURecordSet implements publish.Publisher.
func (r *Recorder) PublishFRURecordSet(v publish.FRURecordSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FRUs = append(r.FRUs, v)
	return nil
}

// PublishNumeric implements publish.Publisher.
func (r *Recorder) PublishNumeric(v publish.NumericReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Numeric = append(r.Numeric, v)
	return nil
}

// PublishState implements publish.Publisher.
func (r *Recorder) PublishState(v publish.StateReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States = append(r.States, v)
	return nil
}

// PublishStateChange implements publish.Publisher.
func (r *Recorder) PublishStateChange(v publish.StateChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StateChanges = append(r.StateChanges, v)
	return nil
}

// PublishUpdateStatus implements publish.Publisher.
func (r *Recorder) PublishUpdateStatus(v publish.UpdateStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates = append(r.Updates, v)
	return nil
}

// RemoveTerminus implements publish.Publisher.
func (r *Recorder) RemoveTerminus(tid uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removed = append(r.Removed, tid)
	return nil
}

// LastNumeric returns the most recent numeric reading for id.
func (r *Recorder) LastNumeric(id uint16) (publish.NumericReading, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.Numeric) - 1; i >= 0; i-- {
		if r.Numeric[i].ID == id {
			return r.Numeric[i], true
		}
	}
	return publish.NumericReading{}, false
}

// LastState returns the most recent state reading for id.
func (r *Recorder) LastState(id uint16) (publish.StateReading, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.States) - 1; i >= 0; i-- {
		if r.States[i].ID == id {
			return r.States[i], true
		}
	}
	return publish.StateReading{}, false
}
