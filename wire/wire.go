// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package wire implements bounds-checked little-endian views over PLDM
// message payloads. Decoders never read past the end of their buffer and
// report a single sticky error instead of panicking, so malformed packets
// from a terminus cannot crash the daemon.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer means a decode needed more bytes than the payload holds.
var ErrShortBuffer = errors.New("short buffer")

// Decoder reads little-endian fields from a byte slice. The first failed
// read sets a sticky error; all subsequent reads return zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a Decoder over buf. The Decoder does not copy buf, so
// the caller must not modify it until decoding is complete.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Err returns the first error encountered while decoding, or nil.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of undecoded bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) fail(n int) bool {
	if d.err != nil {
		return true
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("decode %d bytes at offset %d of %d: %w",
			n, d.off, len(d.buf), ErrShortBuffer)
		return true
	}
	return false
}

// Uint8 decodes one byte.
func (d *Decoder) Uint8() uint8 {
	if d.fail(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

// Int8 decodes one signed byte.
func (d *Decoder) Int8() int8 { return int8(d.Uint8()) }

// Uint16 decodes a little-endian uint16.
func (d *Decoder) Uint16() uint16 {
	if d.fail(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

// Int16 decodes a little-endian int16.
func (d *Decoder) Int16() int16 { return int16(d.Uint16()) }

// Uint32 decodes a little-endian uint32.
func (d *Decoder) Uint32() uint32 {
	if d.fail(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

// Int32 decodes a little-endian int32.
func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

// Uint64 decodes a little-endian uint64.
func (d *Decoder) Uint64() uint64 {
	if d.fail(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

// Float32 decodes a little-endian IEEE-754 single (PLDM real32).
func (d *Decoder) Float32() float32 { return math.Float32frombits(d.Uint32()) }

// Bytes decodes n bytes. The returned slice aliases the underlying buffer.
func (d *Decoder) Bytes(n int) []byte {
	if n < 0 {
		if d.err == nil {
			d.err = fmt.Errorf("decode %d bytes: negative length", n)
		}
		return nil
	}
	if d.fail(n) {
		return nil
	}
	v := d.buf[d.off : d.off+n]
	d.off += n
	return v
}

// Rest decodes every remaining byte.
func (d *Decoder) Rest() []byte { return d.Bytes(d.Remaining()) }

// Skip advances past n bytes without decoding them.
func (d *Decoder) Skip(n int) {
	if !d.fail(n) {
		d.off += n
	}
}

// Encoder builds a little-endian payload by appending fields.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder whose first appended byte lands at offset 0.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Uint8 appends one byte.
func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

// Int8 appends one signed byte.
func (e *Encoder) Int8(v int8) { e.Uint8(uint8(v)) }

// Uint16 appends a little-endian uint16.
func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// Int16 appends a little-endian int16.
func (e *Encoder) Int16(v int16) { e.Uint16(uint16(v)) }

// Uint32 appends a little-endian uint32.
func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// Int32 appends a little-endian int32.
func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

// Uint64 appends a little-endian uint64.
func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// Float32 appends a little-endian IEEE-754 single.
func (e *Encoder) Float32(v float32) { e.Uint32(math.Float32bits(v)) }

// Write appends raw bytes.
func (e *Encoder) Write(p []byte) { e.buf = append(e.buf, p...) }
