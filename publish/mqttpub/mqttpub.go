// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package mqttpub publishes the daemon's object surface onto MQTT topics.
// Topics mirror the object paths: pldm/<tid>/... with JSON payloads.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openbmc/go-pldm/publish"
)

const publishTimeout = 5 * time.Second

// Publisher implements publish.Publisher over an MQTT connection.
type Publisher struct {
	client mqtt.Client
	prefix string
}

// New connects to broker and returns a Publisher rooted at topicPrefix
// (e.g. "pldm").
func New(broker, clientID, topicPrefix string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout")
	} else if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &Publisher{client: client, prefix: topicPrefix}, nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(uint(publishTimeout / time.Millisecond))
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.prefix+"/"+topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

// PublishInventory implements publish.Publisher.
func (p *Publisher) PublishInventory(inv publish.Inventory) error {
	return p.publish(fmt.Sprintf("%d/inventory%s", inv.TID, inv.Path), true, inv)
}

// PublishFRURecordSet implements publish.Publisher.
func (p *Publisher) PublishFRURecordSet(fru publish.FRURecordSet) error {
	return p.publish(fmt.Sprintf("%d/fru%s", fru.TID, fru.Path), true, fru)
}

// PublishNumeric implements publish.Publisher.
func (p *Publisher) PublishNumeric(r publish.NumericReading) error {
	return p.publish(fmt.Sprintf("%d/sensors/%s", r.TID, r.Name), true, r)
}

// PublishState implements publish.Publisher.
func (p *Publisher) PublishState(r publish.StateReading) error {
	return p.publish(fmt.Sprintf("%d/states/%s", r.TID, r.Name), true, r)
}

// PublishStateChange implements publish.Publisher.
func (p *Publisher) PublishStateChange(ev publish.StateChangeEvent) error {
	return p.publish(fmt.Sprintf("%d/events/%s", ev.TID, ev.Name), false, ev)
}

// PublishUpdateStatus implements publish.Publisher.
func (p *Publisher) PublishUpdateStatus(st publish.UpdateStatus) error {
	return p.publish(fmt.Sprintf("%d/firmware", st.TID), true, st)
}

// RemoveTerminus implements publish.Publisher. Retained topics for the
// terminus are left to expire; a tombstone marks the removal.
func (p *Publisher) RemoveTerminus(tid uint8) error {
	return p.publish(fmt.Sprintf("%d/removed", tid), false, map[string]uint8{"tid": tid})
}
