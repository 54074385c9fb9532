// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package metrics exposes Prometheus instrumentation for the PLDM daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandRetries counts PLDM request retries across all termini.
	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pldm_command_retries_total",
		Help: "Number of PLDM request retries due to timeouts or malformed responses.",
	})

	// PollErrors counts failed sensor and effecter polls, by terminus.
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pldm_poll_errors_total",
		Help: "Number of failed sensor/effecter polls.",
	}, []string{"tid"})

	// SensorsPerTerminus reports the number of initialized sensors.
	SensorsPerTerminus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pldm_sensors",
		Help: "Number of sensors initialized per terminus.",
	}, []string{"tid"})

	// PDRRecords reports the number of PDR records fetched per terminus.
	PDRRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pldm_pdr_records",
		Help: "Number of PDR records held per terminus.",
	}, []string{"tid"})

	// FirmwareBytesServed counts bytes streamed to firmware devices.
	FirmwareBytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pldm_firmware_bytes_served_total",
		Help: "Bytes served in RequestFirmwareData responses.",
	})

	// FirmwareUpdateProgress reports the per-session component progress.
	FirmwareUpdateProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pldm_firmware_update_progress_percent",
		Help: "Progress of the running firmware update session.",
	}, []string{"tid"})
)
