// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package wire_test

import (
	"errors"
	"math"
	"testing"

	"github.com/openbmc/go-pldm/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := wire.NewEncoder()
	e.Uint8(0xAB)
	e.Int8(-5)
	e.Uint16(0xBEEF)
	e.Int16(-1234)
	e.Uint32(0xDEADBEEF)
	e.Int32(-123456789)
	e.Uint64(0x0102030405060708)
	e.Float32(1.5)
	e.Write([]byte{1, 2, 3})

	d := wire.NewDecoder(e.Bytes())
	if got := d.Uint8(); got != 0xAB {
		t.Errorf("Uint8: got 0x%02X", got)
	}
	if got := d.Int8(); got != -5 {
		t.Errorf("Int8: got %d", got)
	}
	if got := d.Uint16(); got != 0xBEEF {
		t.Errorf("Uint16: got 0x%04X", got)
	}
	if got := d.Int16(); got != -1234 {
		t.Errorf("Int16: got %d", got)
	}
	if got := d.Uint32(); got != 0xDEADBEEF {
		t.Errorf("Uint32: got 0x%08X", got)
	}
	if got := d.Int32(); got != -123456789 {
		t.Errorf("Int32: got %d", got)
	}
	if got := d.Uint64(); got != 0x0102030405060708 {
		t.Errorf("Uint64: got 0x%016X", got)
	}
	if got := d.Float32(); got != 1.5 {
		t.Errorf("Float32: got %v", got)
	}
	rest := d.Rest()
	if len(rest) != 3 || rest[0] != 1 || rest[2] != 3 {
		t.Errorf("Rest: got %v", rest)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if d.Remaining() != 0 {
		t.Errorf("Remaining: got %d", d.Remaining())
	}
}

func TestDecoderShortBuffer(t *testing.T) {
	d := wire.NewDecoder([]byte{0x01, 0x02})
	_ = d.Uint32()
	if !errors.Is(d.Err(), wire.ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", d.Err())
	}
	// The error is sticky and later reads return zero values.
	if got := d.Uint8(); got != 0 {
		t.Errorf("read after error: got %d", got)
	}
}

func TestDecoderLittleEndian(t *testing.T) {
	d := wire.NewDecoder([]byte{0x34, 0x12, 0x78, 0x56, 0x34, 0x12})
	if got := d.Uint16(); got != 0x1234 {
		t.Errorf("Uint16: got 0x%04X", got)
	}
	if got := d.Uint32(); got != 0x12345678 {
		t.Errorf("Uint32: got 0x%08X", got)
	}
}

func TestFloat32NaN(t *testing.T) {
	e := wire.NewEncoder()
	e.Float32(float32(math.NaN()))
	d := wire.NewDecoder(e.Bytes())
	if got := d.Float32(); !math.IsNaN(float64(got)) {
		t.Errorf("expected NaN, got %v", got)
	}
}

func TestCRC8(t *testing.T) {
	for _, test := range []struct {
		data []byte
		want uint8
	}{
		{[]byte{}, 0x00},
		{[]byte{0x00}, 0x00},
		{[]byte("123456789"), 0xF4}, // CRC-8/SMBUS check value
		{[]byte{0xDE, 0xAD}, wire.CRC8([]byte{0xDE, 0xAD})},
	} {
		if got := wire.CRC8(test.data); got != test.want {
			t.Errorf("CRC8(%v): got 0x%02X, want 0x%02X", test.data, got, test.want)
		}
	}
}

func TestCRC32(t *testing.T) {
	if got := wire.CRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Errorf("CRC32 check value: got 0x%08X", got)
	}
}
