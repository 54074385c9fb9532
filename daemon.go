// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openbmc/go-pldm/publish"
)

// defaultPollInterval spaces sensor poll passes when the configuration
// does not set one.
const defaultPollInterval = 10 * time.Second

// Daemon ties the protocol engines together: base negotiation, platform
// monitoring, firmware update, the device init queue, and the polling
// driver.
type Daemon struct {
	Mediator *Mediator
	Base     *Base
	Platform *Platform
	Updates  *UpdateAgent

	// PollInterval spaces sensor poll passes. Zero means the default.
	PollInterval time.Duration

	// PDRDumpDir receives DumpPDR output files. Empty disables dumps.
	PDRDumpDir string

	// RequestDiscovery asks the transport layer to re-discover an
	// endpoint, used after firmware activation.
	RequestDiscovery func(eid EID)

	mu           sync.Mutex
	pollPaused   bool
	initQueue    []EID
	initRunning  bool
}

// NewDaemon wires a Daemon over transport, publishing through pub.
func NewDaemon(transport Transport, pub publish.Publisher) *Daemon {
	if pub == nil {
		pub = publish.Discard{}
	}
	mediator := NewMediator(transport)
	d := &Daemon{
		Mediator: mediator,
		Base:     NewBase(mediator),
		Platform: NewPlatform(mediator, pub),
		Updates:  NewUpdateAgent(mediator, pub),
	}
	d.Updates.PauseSensorPolling = d.PauseSensorPolling
	d.Updates.ResumeSensorPolling = d.ResumeSensorPolling
	d.Updates.TriggerRediscovery = d.triggerDeviceDiscovery
	return d
}

// HandleMessage is the transport receive callback for unsolicited packets.
// The payload carries the MCTP message-type byte. Packets from unmapped
// endpoints are discarded; only firmware update requests are routed.
func (d *Daemon) HandleMessage(eid EID, msgTag uint8, tagOwner bool, payload []byte) {
	if len(payload) == 0 || payload[0] != mctpMsgTypePLDM {
		return
	}
	// Discard packets from uninitialized termini; there is nothing to
	// route them to.
	tid, ok := d.Mediator.TIDOf(eid)
	if !ok {
		slog.Warn("EID is not mapped to any TID, discarding packet", "eid", eid)
		return
	}
	pldmMsg := payload[1:]
	if len(pldmMsg) < 2 {
		slog.Debug("runt PLDM message", "tid", tid, "len", len(pldmMsg))
		return
	}
	switch Type(pldmMsg[1] & typeMask) {
	case TypeFirmwareUpdate:
		d.Updates.HandleRequest(tid, msgTag, tagOwner, pldmMsg)
	default:
		// No use case for other unsolicited PLDM message types.
		slog.Info("unsupported PLDM message received", "tid", tid, "eid", eid,
			"msgType", pldmMsg[1]&typeMask)
	}
}

// DeviceAdded queues endpoint init. Parallel inits misbehave for devices
// behind shared buses, so a single worker drains the queue serially.
func (d *Daemon) DeviceAdded(ctx context.Context, eid EID) {
	d.mu.Lock()
	d.initQueue = append(d.initQueue, eid)
	if d.initRunning {
		slog.Warn("another device init in progress, adding EID to queue", "eid", eid)
		d.mu.Unlock()
		return
	}
	d.initRunning = true
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if len(d.initQueue) == 0 {
			d.initRunning = false
			d.mu.Unlock()
			return
		}
		next := d.initQueue[0]
		d.initQueue = d.initQueue[1:]
		d.mu.Unlock()

		d.PauseSensorPolling()
		d.initDevice(ctx, next)
		d.ResumeSensorPolling()
	}
}

// initDevice runs the subsystem inits for one endpoint, gated by the
// negotiated support table.
func (d *Daemon) initDevice(ctx context.Context, eid EID) {
	slog.Info("initializing MCTP endpoint", "eid", eid)

	tid, err := d.Base.Init(ctx, eid)
	if err != nil {
		slog.Error("PLDM base init failed", "eid", eid, "err", err)
		return
	}
	support, _ := d.Base.Support(tid)

	if support.SupportsType(TypePlatform) {
		if err := d.Platform.Init(ctx, tid); err != nil {
			slog.Error("PLDM platform init failed", "tid", tid, "err", err)
		}
	}
	if support.SupportsType(TypeFirmwareUpdate) {
		if err := d.Updates.fwuInit(ctx, tid); err != nil {
			slog.Error("PLDM firmware update init failed", "tid", tid, "err", err)
		}
	}
}

// DeviceRemoved tears down all state for the endpoint's terminus, strictly
// in reverse order of init so nothing references released descriptors.
func (d *Daemon) DeviceRemoved(eid EID) {
	tid, ok := d.Mediator.TIDOf(eid)
	if !ok {
		slog.Warn("EID is not mapped to any TID", "eid", eid)
		return
	}
	d.deleteDevice(tid)
}

func (d *Daemon) deleteDevice(tid TID) {
	slog.Info("delete PLDM device", "tid", tid)
	support, _ := d.Base.Support(tid)
	if support.SupportsType(TypeFirmwareUpdate) {
		d.Updates.deleteFWDevice(tid)
	}
	if support.SupportsType(TypePlatform) {
		d.Platform.Delete(tid)
	}
	d.Base.Delete(tid)
}

// Shutdown walks every terminus and deletes it before the process stops.
func (d *Daemon) Shutdown() {
	d.PauseSensorPolling()
	for _, tid := range d.Mediator.TIDs() {
		d.deleteDevice(tid)
	}
}

// PauseSensorPolling stops poll passes at the next iteration boundary.
func (d *Daemon) PauseSensorPolling() {
	d.mu.Lock()
	d.pollPaused = true
	d.mu.Unlock()
}

// ResumeSensorPolling re-enables poll passes.
func (d *Daemon) ResumeSensorPolling() {
	d.mu.Lock()
	d.pollPaused = false
	d.mu.Unlock()
}

func (d *Daemon) pollingPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollPaused
}

// RunPolling drives the sensor polling loop until ctx is cancelled. One
// pass polls every sensor of every terminus sequentially.
func (d *Daemon) RunPolling(ctx context.Context) {
	interval := d.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.pollingPaused() {
			continue
		}
		for _, tid := range d.Mediator.TIDs() {
			if d.pollingPaused() {
				break
			}
			d.Platform.PollAll(ctx, tid)
		}
	}
}

// triggerDeviceDiscovery asks the transport to re-discover the endpoint
// backing tid, used after firmware activation resets the device.
func (d *Daemon) triggerDeviceDiscovery(tid TID) {
	if d.RequestDiscovery == nil {
		return
	}
	if eid, ok := d.Mediator.EIDOf(tid); ok {
		d.RequestDiscovery(eid)
	}
}

// StartFWUpdate runs a firmware update from a parsed package.
func (d *Daemon) StartFWUpdate(ctx context.Context, pkg Package) error {
	slog.Info("StartFWUpdate is called")
	return d.Updates.StartUpdate(ctx, pkg)
}

// DumpPDR serializes the raw PDR store of tid to a text file in
// PDRDumpDir and returns the file path.
func (d *Daemon) DumpPDR(tid TID) (string, error) {
	if d.PDRDumpDir == "" {
		return "", fmt.Errorf("PDR dump directory not configured")
	}
	t, ok := d.Platform.Terminus(tid)
	if !ok || t.Repo == nil {
		return "", fmt.Errorf("no PDR repository for TID %d", tid)
	}
	if t.Repo.Count() == 0 {
		return "", fmt.Errorf("PDR repository for TID %d is empty", tid)
	}
	path := filepath.Join(d.PDRDumpDir, fmt.Sprintf("pldm_pdr_dump_%d.txt", tid))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := t.Repo.Dump(f); err != nil {
		return "", err
	}
	return path, nil
}
