// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Command pldmd runs the PLDM update-agent daemon against an MCTP
// transport socket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openbmc/go-pldm"
	"github.com/openbmc/go-pldm/config"
	"github.com/openbmc/go-pldm/mctp"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/publish/mqttpub"
)

func main() {
	configPath := flag.String("config", "/etc/pldmd/config.yaml", "configuration file")
	socketPath := flag.String("socket", "/run/mctp/mctp.sock", "MCTP demux socket")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "1" {
		level = slog.LevelDebug
		slog.Warn("PLDM debug enabled")
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration load failed", "err", err)
		os.Exit(1)
	}

	var pub publish.Publisher = publish.Discard{}
	if cfg.MQTT.Broker != "" {
		mq, err := mqttpub.New(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix)
		if err != nil {
			slog.Error("MQTT publisher setup failed", "err", err)
			os.Exit(1)
		}
		defer mq.Close()
		pub = mq
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := mctp.Dial(ctx, *socketPath)
	if err != nil {
		slog.Error("MCTP transport setup failed", "err", err)
		os.Exit(1)
	}
	defer transport.Close()

	daemon := pldm.NewDaemon(transport, pub)
	daemon.PollInterval = cfg.PollInterval
	daemon.PDRDumpDir = cfg.PDRDumpDir
	daemon.RequestDiscovery = transport.RequestDiscovery
	daemon.Platform.ExposeChassis = cfg.ExposeChassis
	daemon.Platform.DecorateBaseboard = cfg.DecorateBaseboard

	transport.OnMessage(daemon.HandleMessage)
	transport.OnDeviceAdded(func(eid pldm.EID) {
		go daemon.DeviceAdded(ctx, eid)
	})
	transport.OnDeviceRemoved(daemon.DeviceRemoved)

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				slog.Error("metrics listener failed", "err", err)
			}
		}()
	}

	// Initial discovery walk, then the polling loop carries the process.
	for _, eid := range transport.Endpoints() {
		daemon.DeviceAdded(ctx, eid)
	}
	daemon.RunPolling(ctx)

	daemon.Shutdown()
}
