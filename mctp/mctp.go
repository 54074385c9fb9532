// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package mctp implements the PLDM transport over an MCTP demux daemon
// socket. Each frame on the socket is an endpoint id byte followed by the
// MCTP message payload. Responses are correlated to requests by source
// endpoint; unsolicited packets and endpoint lifecycle events are handed
// to registered callbacks.
package mctp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/openbmc/go-pldm"
)

// msgTypePLDM is the MCTP message type this socket registers for.
const msgTypePLDM uint8 = 0x01

const maxFrameSize = 4096

// MessageHandler receives unsolicited packets.
type MessageHandler func(eid pldm.EID, msgTag uint8, tagOwner bool, payload []byte)

// Socket is a Transport over one MCTP demux connection.
type Socket struct {
	conn net.Conn

	mu       sync.Mutex
	waiters  map[pldm.EID]chan []byte
	onMsg    MessageHandler
	onAdd    func(pldm.EID)
	onRemove func(pldm.EID)
	eids     []pldm.EID

	closed chan struct{}
}

// Dial connects to the demux socket at path and registers for PLDM
// traffic.
func Dial(ctx context.Context, path string) (*Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("mctp dial %s: %w", path, err)
	}
	// Registration frame: the message type to receive.
	if _, err := conn.Write([]byte{msgTypePLDM}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mctp register: %w", err)
	}
	s := &Socket{
		conn:    conn,
		waiters: make(map[pldm.EID]chan []byte),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Close shuts the socket down.
func (s *Socket) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return s.conn.Close()
}

// OnMessage registers the unsolicited packet handler.
func (s *Socket) OnMessage(fn MessageHandler) {
	s.mu.Lock()
	s.onMsg = fn
	s.mu.Unlock()
}

// OnDeviceAdded registers the endpoint-added handler.
func (s *Socket) OnDeviceAdded(fn func(pldm.EID)) {
	s.mu.Lock()
	s.onAdd = fn
	s.mu.Unlock()
}

// OnDeviceRemoved registers the endpoint-removed handler.
func (s *Socket) OnDeviceRemoved(fn func(pldm.EID)) {
	s.mu.Lock()
	s.onRemove = fn
	s.mu.Unlock()
}

// Endpoints returns the endpoints currently recorded by AddEndpoint and not
// yet removed.
func (s *Socket) Endpoints() []pldm.EID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pldm.EID(nil), s.eids...)
}

// AddEndpoint records a discovered endpoint and notifies the handler.
// Discovery itself is driven by the MCTP control plane, outside this
// binding.
func (s *Socket) AddEndpoint(eid pldm.EID) {
	s.mu.Lock()
	s.eids = append(s.eids, eid)
	fn := s.onAdd
	s.mu.Unlock()
	if fn != nil {
		fn(eid)
	}
}

// RemoveEndpoint drops an endpoint and notifies the handler.
func (s *Socket) RemoveEndpoint(eid pldm.EID) {
	s.mu.Lock()
	for i, e := range s.eids {
		if e == eid {
			s.eids = append(s.eids[:i], s.eids[i+1:]...)
			break
		}
	}
	fn := s.onRemove
	s.mu.Unlock()
	if fn != nil {
		fn(eid)
	}
}

// RequestDiscovery asks the control plane to re-probe an endpoint. The
// demux protocol has no primitive for this; re-announce the endpoint so
// init re-runs.
func (s *Socket) RequestDiscovery(eid pldm.EID) {
	slog.Debug("re-announcing endpoint for discovery", "eid", eid)
	go func() {
		s.RemoveEndpoint(eid)
		s.AddEndpoint(eid)
	}()
}

func (s *Socket) readLoop() {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				slog.Error("mctp socket read failed", "err", err)
			}
			return
		}
		if n < 2 {
			continue
		}
		eid := pldm.EID(buf[0])
		payload := append([]byte(nil), buf[1:n]...)

		s.mu.Lock()
		waiter := s.waiters[eid]
		delete(s.waiters, eid)
		onMsg := s.onMsg
		s.mu.Unlock()

		if waiter != nil {
			waiter <- payload
			continue
		}
		if onMsg != nil {
			// The demux framing carries no tag bits; treat unsolicited
			// packets as tag-owner traffic.
			onMsg(eid, 0, true, payload)
		}
	}
}

// SendReceive implements pldm.Transport.
func (s *Socket) SendReceive(ctx context.Context, eid pldm.EID, payload []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	if _, busy := s.waiters[eid]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("request already outstanding for EID %d", eid)
	}
	s.waiters[eid] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, eid)
		s.mu.Unlock()
	}()

	frame := append([]byte{uint8(eid)}, payload...)
	if _, err := s.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("mctp send to EID %d: %w", eid, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response from EID %d within %v", eid, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, fmt.Errorf("mctp socket closed")
	}
}

// Send implements pldm.Transport.
func (s *Socket) Send(ctx context.Context, eid pldm.EID, msgTag uint8, tagOwner bool, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("mctp socket closed")
	default:
	}
	frame := append([]byte{uint8(eid)}, payload...)
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("mctp send to EID %d: %w", eid, err)
	}
	return nil
}
