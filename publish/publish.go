// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package publish defines the object surface the daemon exposes to local
// consumers: inventory nodes, sensor and effecter readings, state-change
// events, and firmware update status. The daemon core only talks to the
// Publisher interface; adapters (MQTT, test recorders) live below it.
package publish

import "encoding/json"

// NumericReading is the published state of one numeric sensor or effecter.
// Value is NaN while the point is disabled or unavailable.
type NumericReading struct {
	TID        uint8
	ID         uint16
	Name       string
	Path       string
	Unit       uint8
	Value      float64
	Available  bool
	Functional bool
}

// MarshalJSON encodes the reading with NaN values as null, since JSON has
// no NaN literal.
func (r NumericReading) MarshalJSON() ([]byte, error) {
	type alias struct {
		TID        uint8    `json:"tid"`
		ID         uint16   `json:"id"`
		Name       string   `json:"name"`
		Path       string   `json:"path"`
		Unit       uint8    `json:"unit"`
		Value      *float64 `json:"value"`
		Available  bool     `json:"available"`
		Functional bool     `json:"functional"`
	}
	a := alias{
		TID: r.TID, ID: r.ID, Name: r.Name, Path: r.Path, Unit: r.Unit,
		Available: r.Available, Functional: r.Functional,
	}
	if r.Value == r.Value { // not NaN
		v := r.Value
		a.Value = &v
	}
	return json.Marshal(a)
}

// StateReading is the published state of one state sensor or effecter.
type StateReading struct {
	TID        uint8
	ID         uint16
	Name       string
	Path       string
	StateSetID uint16
	Current    uint8
	Previous   uint8 // pending state for effecters
	Available  bool
	Functional bool
}

// StateChangeEvent is emitted when a state sensor observes a transition
// between two valid states.
type StateChangeEvent struct {
	TID          uint8
	Name         string
	StateSetName string
	FromState    string
	ToState      string
}

// Inventory is one entity node of the association tree.
type Inventory struct {
	TID        uint8
	Path       string
	EntityType uint16
	Instance   uint16
	Container  uint16
}

// FRURecordSet attaches a FRU record-set id to an inventory path.
type FRURecordSet struct {
	TID         uint8
	Path        string
	RecordSetID uint16
}

// Activation values reported at the end of a firmware update session.
const (
	ActivationActive = "Active"
	ActivationFailed = "Failed"
)

// UpdateStatus reports firmware update session progress.
type UpdateStatus struct {
	SessionID  string
	TID        uint8
	Progress   uint8 // percent
	Activation string // empty until the session ends
}

// Publisher receives everything the daemon exposes. Implementations must
// not block for long periods; publication happens on the engine goroutines.
// Errors are logged by the caller and never fail the originating operation.
type Publisher interface {
	PublishInventory(Inventory) error
	PublishFRURecordSet(FRURecordSet) error
	PublishNumeric(NumericReading) error
	PublishState(StateReading) error
	PublishStateChange(StateChangeEvent) error
	PublishUpdateStatus(UpdateStatus) error
	RemoveTerminus(tid uint8) error
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// PublishInventory implements Publisher.
func (Discard) PublishInventory(Inventory) error { return nil }

// PublishFRURecordSet implements Publisher.
func (Discard) PublishFRURecordSet(FRURecordSet) error { return nil }

// PublishNumeric implements Publisher.
func (Discard) PublishNumeric(NumericReading) error { return nil }

// PublishState implements Publisher.
func (Discard) PublishState(StateReading) error { return nil }

// PublishStateChange implements Publisher.
func (Discard) PublishStateChange(StateChangeEvent) error { return nil }

// PublishUpdateStatus implements Publisher.
func (Discard) PublishUpdateStatus(UpdateStatus) error { return nil }

// RemoveTerminus implements Publisher.
func (Discard) RemoveTerminus(uint8) error { return nil }
