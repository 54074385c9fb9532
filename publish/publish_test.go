// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package publish_test

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/openbmc/go-pldm/publish"
)

func TestNumericReadingJSONWithNaN(t *testing.T) {
	r := publish.NumericReading{
		TID: 1, ID: 2, Name: "Inlet_Temp",
		Value: math.NaN(), Available: true,
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"value":null`) {
		t.Errorf("NaN must encode as null: %s", data)
	}
}

func TestNumericReadingJSONWithValue(t *testing.T) {
	r := publish.NumericReading{TID: 1, ID: 2, Value: 40, Functional: true}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Value      *float64 `json:"value"`
		Functional bool     `json:"functional"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Value == nil || *decoded.Value != 40 || !decoded.Functional {
		t.Errorf("decoded: %+v", decoded)
	}
}
