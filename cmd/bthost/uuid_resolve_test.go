package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/device"
)

func TestParseCSVUUIDs(t *testing.T) {
	assert.Equal(t, []string{"2a37"}, parseCSVUUIDs("2a37"))
	assert.Equal(t, []string{"2a37", "2a38"}, parseCSVUUIDs("2a37,2a38"))
	assert.Equal(t, []string{"2a37", "2a38", "2a19"}, parseCSVUUIDs("2a37, 2a38, 2a19"))
	assert.Nil(t, parseCSVUUIDs(""))
	assert.Equal(t, []string{"2a37"}, parseCSVUUIDs(" 2a37 , "))
}

// fakeDescriptor, fakeCharacteristic, fakeService and fakeConnection mirror
// the wiring in bridge/bridge_test.go, built against device.Connection
// rather than device.Service alone.
type fakeDescriptor struct{ uuid string }

func (d *fakeDescriptor) UUID() string             { return d.uuid }
func (d *fakeDescriptor) KnownName() string        { return "" }
func (d *fakeDescriptor) Value() []byte            { return nil }
func (d *fakeDescriptor) ParsedValue() interface{} { return nil }

type fakeCharacteristic struct {
	uuid  string
	descs []device.Descriptor
}

func (c *fakeCharacteristic) UUID() string                      { return c.uuid }
func (c *fakeCharacteristic) KnownName() string                  { return "" }
func (c *fakeCharacteristic) GetProperties() device.Properties   { return device.NewBLEProperties(0) }
func (c *fakeCharacteristic) GetDescriptors() []device.Descriptor { return c.descs }
func (c *fakeCharacteristic) Read(time.Duration) ([]byte, error) { return nil, nil }
func (c *fakeCharacteristic) Write([]byte, bool, time.Duration) error { return nil }

type fakeService struct {
	uuid  string
	chars []device.Characteristic
}

func (s *fakeService) UUID() string                              { return s.uuid }
func (s *fakeService) KnownName() string                          { return "" }
func (s *fakeService) GetCharacteristics() []device.Characteristic { return s.chars }

type fakeConnection struct {
	services []device.Service
}

func (c *fakeConnection) Services() []device.Service { return c.services }

func (c *fakeConnection) GetService(uuid string) (device.Service, error) {
	for _, s := range c.services {
		if s.UUID() == device.NormalizeUUID(uuid) {
			return s, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

func (c *fakeConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	svc, err := c.GetService(service)
	if err != nil {
		return nil, err
	}
	for _, ch := range svc.GetCharacteristics() {
		if ch.UUID() == device.NormalizeUUID(uuid) {
			return ch, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
}

func (c *fakeConnection) Subscribe([]*device.SubscribeOptions, device.StreamMode, time.Duration, func(*device.Record)) error {
	return nil
}

func (c *fakeConnection) ConnectionContext() context.Context {
	return context.Background()
}

// ambiguousConn mirrors the teacher's AmbiguousCharPeripheral fixture: 2a37
// lives in both 180d and 1800, and 2902 is present in two characteristics,
// so resolution without --service/--char is ambiguous for both.
func ambiguousConn() device.Connection {
	cccd := &fakeDescriptor{uuid: "2902"}
	heartRate := &fakeCharacteristic{uuid: "2a37", descs: []device.Descriptor{cccd}}
	deviceName := &fakeCharacteristic{uuid: "2a37", descs: []device.Descriptor{cccd}}
	battery := &fakeCharacteristic{uuid: "2a19", descs: []device.Descriptor{&fakeDescriptor{uuid: "2901"}}}

	return &fakeConnection{services: []device.Service{
		&fakeService{uuid: "180d", chars: []device.Characteristic{heartRate}},
		&fakeService{uuid: "1800", chars: []device.Characteristic{deviceName}},
		&fakeService{uuid: "180f", chars: []device.Characteristic{battery}},
	}}
}

func TestDoResolveTargetNotFound(t *testing.T) {
	_, _, _, err := doResolveTarget(ambiguousConn(), "ffff", "", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDoResolveTargetAmbiguousAcrossServices(t *testing.T) {
	_, _, _, err := doResolveTarget(ambiguousConn(), "2a37", "", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--service")
}

func TestDoResolveTargetResolvedWithExplicitService(t *testing.T) {
	char, _, svcUUID, err := doResolveTarget(ambiguousConn(), "2a37", "180d", "", "")
	require.NoError(t, err)
	assert.Equal(t, "2a37", char.UUID())
	assert.Equal(t, "180d", svcUUID)
}

func TestDoResolveTargetUniqueCharacteristic(t *testing.T) {
	char, _, svcUUID, err := doResolveTarget(ambiguousConn(), "2a19", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "2a19", char.UUID())
	assert.Equal(t, "180f", svcUUID)
}

func TestDoResolveTargetAmbiguousDescriptor(t *testing.T) {
	_, _, _, err := doResolveTarget(ambiguousConn(), "2902", "", "", "2902")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--char")
}

func TestDoResolveTargetDescriptorViaExplicitServiceAndChar(t *testing.T) {
	char, desc, svcUUID, err := doResolveTarget(ambiguousConn(), "2902", "180d", "2a37", "2902")
	require.NoError(t, err)
	assert.Equal(t, "2a37", char.UUID())
	require.NotNil(t, desc)
	assert.Equal(t, "2902", desc.UUID())
	assert.Equal(t, "180d", svcUUID)
}
