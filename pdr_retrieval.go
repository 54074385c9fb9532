// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openbmc/go-pldm/metrics"
	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/wire"
)

// PDR repository states (DSP0248 GetPDRRepositoryInfo).
const (
	repoStateAvailable    uint8 = 0
	repoStateUpdateInProg uint8 = 1
	repoStateFailed       uint8 = 2
)

const (
	// maxPLDMMessageLen bounds a single PLDM-over-MCTP message.
	maxPLDMMessageLen = 64

	// getPDRMinRespBytes is the fixed part of a GetPDR response payload:
	// completion code, next record handle, next data transfer handle,
	// transfer flag, response count, and the optional CRC byte.
	getPDRMinRespBytes = 13

	// multipartTransferLimit bounds the number of middle fragments per
	// record. A repository that exceeds it is misbehaving.
	multipartTransferLimit = 100

	// repoFetchRetries is the number of whole-repository scan attempts.
	repoFetchRetries = 3
)

// repoInfo is the decoded GetPDRRepositoryInfo response.
type repoInfo struct {
	State             uint8
	RecordCount       uint32
	RepositorySize    uint32
	LargestRecordSize uint32
}

func (p *Platform) getPDRRepositoryInfo(ctx context.Context, tid TID) (*repoInfo, error) {
	body, err := p.mediator.Request(ctx, tid, TypePlatform, CmdGetPDRRepositoryInfo,
		nil, commandTimeout, commandRetryCount)
	if err != nil {
		return nil, fmt.Errorf("GetPDRRepositoryInfo: %w", err)
	}
	if err := ccOnly("GetPDRRepositoryInfo", body); err != nil {
		return nil, err
	}
	d := wire.NewDecoder(body[1:])
	info := &repoInfo{}
	info.State = d.Uint8()
	d.Skip(13) // updateTime timestamp104
	d.Skip(13) // OEMUpdateTime timestamp104
	info.RecordCount = d.Uint32()
	info.RepositorySize = d.Uint32()
	info.LargestRecordSize = d.Uint32()
	d.Skip(1) // dataTransferHandleTimeout
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("GetPDRRepositoryInfo: %w", err)
	}
	slog.Debug("GetPDRRepositoryInfo success", "tid", tid,
		"state", info.State, "recordCount", info.RecordCount,
		"largestRecordSize", info.LargestRecordSize)
	return info, nil
}

// getPDRRecord runs the multipart GetPDR loop for one record and returns
// the assembled bytes plus the next record handle. A CRC mismatch, an
// oversize record, or too many fragments discards the record (nil bytes,
// valid next handle); transport and decode failures abort with an error.
func (p *Platform) getPDRRecord(ctx context.Context, tid TID, handle pdr.RecordHandle, largest uint32) ([]byte, pdr.RecordHandle, error) {
	const requestCount = maxPLDMMessageLen - getPDRMinRespBytes

	var record []byte
	var nextRecord pdr.RecordHandle
	var dataTransferHandle uint32
	var recordChangeNum uint16
	op := OpGetFirstPart
	transfers := multipartTransferLimit

	for {
		e := wire.NewEncoder()
		e.Uint32(uint32(handle))
		e.Uint32(dataTransferHandle)
		e.Uint8(op)
		e.Uint16(requestCount)
		e.Uint16(recordChangeNum)

		body, err := p.mediator.Request(ctx, tid, TypePlatform, CmdGetPDR,
			e.Bytes(), commandTimeout, commandRetryCount)
		if err != nil {
			return nil, 0, fmt.Errorf("GetPDR: %w", err)
		}
		if err := ccOnly("GetPDR", body); err != nil {
			return nil, 0, err
		}

		d := wire.NewDecoder(body[1:])
		nextRecord = pdr.RecordHandle(d.Uint32())
		nextDataTransferHandle := d.Uint32()
		transferFlag := d.Uint8()
		respCount := d.Uint16()
		data := d.Bytes(int(respCount))
		if err := d.Err(); err != nil {
			return nil, 0, fmt.Errorf("GetPDR response: %w", err)
		}
		record = append(record, data...)

		if transferFlag == TransferStart {
			// Capture the record change number from the assembled
			// header for use on subsequent fragments.
			if h, err := pdr.DecodeHeader(record); err == nil {
				recordChangeNum = h.ChangeNum
			}
		}
		dataTransferHandle = nextDataTransferHandle

		if transferFlag == TransferEnd || transferFlag == TransferStartAndEnd {
			if transferFlag == TransferEnd {
				transferCRC := d.Uint8()
				if err := d.Err(); err != nil {
					return nil, 0, fmt.Errorf("GetPDR transfer CRC: %w", err)
				}
				if got := wire.CRC8(record); got != transferCRC {
					slog.Error("PDR record CRC check failed, discarding the record",
						"tid", tid, "recordHandle", handle,
						"got", got, "want", transferCRC)
					return nil, nextRecord, nil
				}
			}
			return record, nextRecord, nil
		}

		op = OpGetNextPart
		transfers--
		if uint32(len(record)) > largest || transfers == 0 {
			slog.Warn("max PDR record size limit reached, discarding the record",
				"tid", tid, "recordHandle", handle)
			return nil, nextRecord, nil
		}
	}
}

// fetchRepo scans the remote repository starting at record handle 0 until
// the chain ends, bounded by the expected record count.
func (p *Platform) fetchRepo(ctx context.Context, tid TID, info *repoInfo) (*pdr.Repo, error) {
	repo := pdr.NewRepo()
	handle := pdr.RecordHandle(0)
	remaining := info.RecordCount

	for {
		record, next, err := p.getPDRRecord(ctx, tid, handle, info.LargestRecordSize)
		if err != nil {
			return nil, err
		}
		if len(record) > 0 {
			if err := repo.Add(record); err != nil {
				slog.Warn("discarding invalid PDR record", "tid", tid, "err", err)
			}
		}
		handle = next
		remaining--
		if handle == 0 || remaining == 0 {
			break
		}
	}

	if remaining > 0 {
		slog.Warn("possible erroneous PDR repository: chain ended before record count",
			"tid", tid, "pendingRecordCount", remaining)
	}
	if handle != 0 {
		slog.Warn("possible erroneous PDR repository: record count reached with pending records",
			"tid", tid, "nextRecordHandle", handle)
	}
	return repo, nil
}

// ingestPDRs builds the terminus PDR repository: the repository info gate,
// the bounded scan with whole-repo retries, and the Terminus Locator rules.
func (p *Platform) ingestPDRs(ctx context.Context, t *Terminus) error {
	info, err := p.getPDRRepositoryInfo(ctx, t.TID)
	if err != nil {
		return err
	}
	if info.State != repoStateAvailable {
		return fmt.Errorf("device PDR record data is unavailable (state %d)", info.State)
	}
	if info.RecordCount == 0 {
		return fmt.Errorf("no PDR records to fetch")
	}

	var repo *pdr.Repo
	for try := 1; ; try++ {
		repo, err = p.fetchRepo(ctx, t.TID, info)
		if err == nil {
			break
		}
		if try == repoFetchRetries {
			return fmt.Errorf("unable to fetch PDRs after %d tries: %w", try, err)
		}
		slog.Warn("PDR repository scan failed, retrying", "tid", t.TID, "err", err)
	}

	// Exactly one valid Terminus Locator PDR is required. Zero is a
	// warning; more than one aborts ingestion.
	locatorFound := false
	for _, rec := range repo.ByType(pdr.TypeTerminusLocator) {
		loc, err := pdr.ParseTerminusLocator(rec)
		if err != nil {
			slog.Warn("invalid terminus locator PDR", "tid", t.TID, "err", err)
			continue
		}
		if loc.Validity != pdr.TerminusLocatorValid {
			continue
		}
		if locatorFound {
			return fmt.Errorf("multiple valid terminus locator PDRs found")
		}
		locatorFound = true
		t.ContainerID = loc.ContainerID
		// The update agent owns TID assignment; patch the stored copy.
		if err := pdr.PatchTID(rec, uint8(t.TID)); err != nil {
			slog.Warn("terminus locator TID patch failed", "tid", t.TID, "err", err)
		}
	}
	if !locatorFound {
		slog.Warn("terminus locator PDR not found", "tid", t.TID)
	}

	if uint32(repo.Count()) != info.RecordCount {
		slog.Warn("unable to fetch all PDR records", "tid", t.TID,
			"expected", info.RecordCount, "received", repo.Count())
	} else {
		slog.Info("GetPDR success", "tid", t.TID, "records", repo.Count())
	}

	t.Repo = repo
	metrics.PDRRecords.WithLabelValues(tidLabel(t.TID)).Set(float64(repo.Count()))
	return nil
}

// parsePDRs dispatches every stored record to its typed handler, builds the
// entity tree, and publishes inventory artifacts. Parse failures discard
// the record and continue; they are never fatal to the terminus.
func (p *Platform) parsePDRs(t *Terminus) {
	for _, rec := range t.Repo.ByType(pdr.TypeEntityAuxNames) {
		names, err := pdr.ParseEntityAuxNames(rec)
		if err != nil {
			slog.Warn("entity auxiliary name invalid", "tid", t.TID, "err", err)
			continue
		}
		for _, n := range names {
			t.entityNames[n.Entity] = n.Name
		}
	}

	var assocs []*pdr.Association
	for _, rec := range t.Repo.ByType(pdr.TypeEntityAssociation) {
		a, err := pdr.ParseEntityAssociation(rec)
		if err != nil {
			slog.Warn("entity association PDR parsing failed", "tid", t.TID, "err", err)
			continue
		}
		assocs = append(assocs, a)
	}
	if len(assocs) > 0 {
		tree, err := pdr.BuildEntityTree(assocs, t.ContainerID)
		if err != nil {
			slog.Error("unable to find entity tree root", "tid", t.TID, "err", err)
		} else {
			t.Tree = tree
		}
	}

	t.DeviceName = pdr.DeviceName(t.Tree, t.entityNames, uint8(t.TID))
	if p.ExposeChassis {
		err := p.publisher.PublishInventory(publish.Inventory{
			TID:  uint8(t.TID),
			Path: "/inventory/system/board/" + t.DeviceName,
		})
		if err != nil {
			slog.Warn("chassis inventory publication failed", "tid", t.TID, "err", err)
		}
	}

	if t.Tree != nil {
		prefix := fmt.Sprintf("/system/%d", t.TID)
		t.entityPaths = pdr.BuildPaths(t.Tree, t.entityNames, prefix)
		for path, entity := range t.entityPaths {
			err := p.publisher.PublishInventory(publish.Inventory{
				TID:        uint8(t.TID),
				Path:       path,
				EntityType: entity.Type,
				Instance:   entity.Instance,
				Container:  entity.Container,
			})
			if err != nil {
				slog.Warn("inventory publication failed", "tid", t.TID,
					"path", path, "err", err)
			}
		}
	}

	for _, rec := range t.Repo.ByType(pdr.TypeSensorAuxNames) {
		name, err := pdr.ParseSensorAuxNames(rec)
		if err != nil {
			slog.Warn("sensor auxiliary names PDR invalid", "tid", t.TID, "err", err)
			continue
		}
		t.sensorNames[name.ID] = t.DeviceName + "_" + name.Name
	}
	for _, rec := range t.Repo.ByType(pdr.TypeEffecterAuxNames) {
		name, err := pdr.ParseSensorAuxNames(rec)
		if err != nil {
			slog.Warn("effecter auxiliary names PDR invalid", "tid", t.TID, "err", err)
			continue
		}
		t.effecterNames[name.ID] = t.DeviceName + "_" + name.Name
	}

	for _, rec := range t.Repo.ByType(pdr.TypeNumericSensor) {
		sensorPDR, err := pdr.ParseNumericSensor(rec)
		if err != nil {
			slog.Warn("numeric sensor PDR parsing failed", "tid", t.TID, "err", err)
			continue
		}
		name := t.sensorName(sensorPDR.SensorID, sensorPDR.HasAuxName)
		path := t.objectPath(sensorPDR.Entity, name)
		t.NumericSensors[sensorPDR.SensorID] = newNumericSensorHandler(
			p.mediator, p.publisher, t.TID, name, path, sensorPDR)
	}
	for _, rec := range t.Repo.ByType(pdr.TypeStateSensor) {
		sensorPDR, err := pdr.ParseStateSensor(rec)
		if err != nil {
			slog.Warn("state sensor PDR parsing failed", "tid", t.TID, "err", err)
			continue
		}
		if sensorPDR.CompositeCount > 1 {
			slog.Warn("composite state sensor not supported", "tid", t.TID,
				"sensorID", sensorPDR.SensorID,
				"compositeSensorCount", sensorPDR.CompositeCount)
		}
		name := t.sensorName(sensorPDR.SensorID, sensorPDR.HasAuxName)
		path := t.objectPath(sensorPDR.Entity, name)
		t.StateSensors[sensorPDR.SensorID] = newStateSensorHandler(
			p.mediator, p.publisher, t.TID, name, path, sensorPDR)
	}
	for _, rec := range t.Repo.ByType(pdr.TypeNumericEffecter) {
		effecterPDR, err := pdr.ParseNumericEffecter(rec)
		if err != nil {
			slog.Warn("numeric effecter PDR parsing failed", "tid", t.TID, "err", err)
			continue
		}
		name := t.effecterName(effecterPDR.EffecterID, effecterPDR.HasAuxName)
		path := t.objectPath(effecterPDR.Entity, name)
		t.NumericEffecters[effecterPDR.EffecterID] = newNumericEffecterHandler(
			p.mediator, p.publisher, t.TID, name, path, effecterPDR)
	}
	for _, rec := range t.Repo.ByType(pdr.TypeStateEffecter) {
		effecterPDR, err := pdr.ParseStateEffecter(rec)
		if err != nil {
			slog.Warn("state effecter PDR parsing failed", "tid", t.TID, "err", err)
			continue
		}
		if effecterPDR.CompositeCount > 1 {
			slog.Warn("composite state effecter not supported", "tid", t.TID,
				"effecterID", effecterPDR.EffecterID)
		}
		name := t.effecterName(effecterPDR.EffecterID, effecterPDR.HasDescription)
		path := t.objectPath(effecterPDR.Entity, name)
		t.StateEffecters[effecterPDR.EffecterID] = newStateEffecterHandler(
			p.mediator, p.publisher, t.TID, name, path, effecterPDR)
	}

	for _, rec := range t.Repo.ByType(pdr.TypeFRURecordSet) {
		fru, err := pdr.ParseFRURecordSet(rec)
		if err != nil {
			slog.Error("FRU record set PDR length invalid", "tid", t.TID, "err", err)
			continue
		}
		path, ok := t.entityPaths.PathOf(fru.Entity)
		if !ok {
			slog.Warn("unable to find entity associated with FRU", "tid", t.TID,
				"fruRSI", fru.RecordSetID)
			continue
		}
		err = p.publisher.PublishFRURecordSet(publish.FRURecordSet{
			TID: uint8(t.TID), Path: path, RecordSetID: fru.RecordSetID,
		})
		if err != nil {
			slog.Warn("FRU record set publication failed", "tid", t.TID, "err", err)
		}
	}
}

func (t *Terminus) sensorName(id uint16, hasAuxName bool) string {
	if hasAuxName {
		if name, ok := t.sensorNames[id]; ok {
			return name
		}
	}
	name := fmt.Sprintf("%s_Sensor_%d", t.DeviceName, id)
	t.sensorNames[id] = name
	return name
}

func (t *Terminus) effecterName(id uint16, hasAuxName bool) string {
	if hasAuxName {
		if name, ok := t.effecterNames[id]; ok {
			return name
		}
	}
	name := fmt.Sprintf("%s_Effecter_%d", t.DeviceName, id)
	t.effecterNames[id] = name
	return name
}

// objectPath anchors a sensor/effecter name under its entity's inventory
// path. A point with no associated entity is still published, under the
// shared baseboard when configured, otherwise under the terminus root.
func (t *Terminus) objectPath(entity pdr.Entity, name string) string {
	if path, ok := t.entityPaths.PathOf(entity); ok {
		return path + "/" + name
	}
	slog.Warn("unable to find entity associated with sensor", "tid", t.TID,
		"entity", entity.String())
	if t.decorateBaseboard {
		return "/inventory/system/board/baseboard/" + name
	}
	return fmt.Sprintf("/system/%d/%s", t.TID, name)
}
