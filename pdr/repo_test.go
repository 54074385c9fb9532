// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr_test

import (
	"testing"

	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/pldmtest"
)

func TestRepoIdempotentInsert(t *testing.T) {
	repo := pdr.NewRepo()
	rec := pldmtest.TerminusLocatorRecord(7, pdr.TerminusLocatorValid, 1, 100)
	if err := repo.Add(rec); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := repo.Add(rec); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if repo.Count() != 1 {
		t.Fatalf("Count after duplicate insert: got %d, want 1", repo.Count())
	}
}

func TestRepoRejectsZeroHandle(t *testing.T) {
	repo := pdr.NewRepo()
	rec := pldmtest.TerminusLocatorRecord(0, pdr.TerminusLocatorValid, 1, 100)
	if err := repo.Add(rec); err == nil {
		t.Fatal("expected error for record handle 0")
	}
}

func TestRepoByType(t *testing.T) {
	repo := pdr.NewRepo()
	entity := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	records := [][]byte{
		pldmtest.TerminusLocatorRecord(1, pdr.TerminusLocatorValid, 1, 100),
		pldmtest.StateSensorRecord(2, 10, entity, pdr.InitNone, 1, []uint8{1, 2}),
		pldmtest.StateSensorRecord(3, 11, entity, pdr.InitNone, 1, []uint8{1, 2}),
	}
	for _, rec := range records {
		if err := repo.Add(rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got := len(repo.ByType(pdr.TypeStateSensor)); got != 2 {
		t.Errorf("ByType(StateSensor): got %d records, want 2", got)
	}
	if got := len(repo.ByType(pdr.TypeNumericSensor)); got != 0 {
		t.Errorf("ByType(NumericSensor): got %d records, want 0", got)
	}
	if _, ok := repo.Record(2); !ok {
		t.Error("Record(2) not found")
	}
}

func TestDecodeHeader(t *testing.T) {
	rec := pldmtest.TerminusLocatorRecord(42, pdr.TerminusLocatorValid, 3, 200)
	h, err := pdr.DecodeHeader(rec)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.RecordHandle != 42 {
		t.Errorf("RecordHandle: got %d", h.RecordHandle)
	}
	if h.Type != pdr.TypeTerminusLocator {
		t.Errorf("Type: got %d", h.Type)
	}
	if _, err := pdr.DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short header")
	}
}

func TestPatchTID(t *testing.T) {
	rec := pldmtest.TerminusLocatorRecord(1, pdr.TerminusLocatorValid, 0xEE, 100)
	if err := pdr.PatchTID(rec, 5); err != nil {
		t.Fatalf("PatchTID: %v", err)
	}
	loc, err := pdr.ParseTerminusLocator(rec)
	if err != nil {
		t.Fatalf("ParseTerminusLocator: %v", err)
	}
	if loc.TID != 5 {
		t.Errorf("TID after patch: got %d, want 5", loc.TID)
	}
	if loc.ContainerID != 100 {
		t.Errorf("ContainerID: got %d, want 100", loc.ContainerID)
	}
}
