// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr_test

import (
	"strings"
	"testing"

	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/pldmtest"
)

func TestDump(t *testing.T) {
	repo := pdr.NewRepo()
	entity := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	if err := repo.Add(pldmtest.TerminusLocatorRecord(1, pdr.TerminusLocatorValid, 1, 100)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Add(pldmtest.StateSensorRecord(2, 9, entity, pdr.InitNone, 1, []uint8{1})); err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	if err := repo.Dump(&b); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, "PDR Type: 1\n") {
		t.Errorf("terminus locator block missing:\n%s", out)
	}
	if !strings.Contains(out, "PDR Type: 4\n") {
		t.Errorf("state sensor block missing:\n%s", out)
	}
	// The terminus locator sorts before the state sensor in type order.
	if strings.Index(out, "PDR Type: 1\n") > strings.Index(out, "PDR Type: 4\n") {
		t.Error("dump is not ordered by PDR type")
	}
}
