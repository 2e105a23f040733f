package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/device"
	"github.com/srg/bthost/internal/gatt"
)

// fakeCharacteristic is a minimal device.Characteristic used to exercise
// findUARTPair without a live GATT connection.
type fakeCharacteristic struct {
	uuid  string
	props device.Properties
}

func (c *fakeCharacteristic) UUID() string                   { return c.uuid }
func (c *fakeCharacteristic) KnownName() string               { return "" }
func (c *fakeCharacteristic) GetProperties() device.Properties { return c.props }
func (c *fakeCharacteristic) GetDescriptors() []device.Descriptor { return nil }
func (c *fakeCharacteristic) Read(time.Duration) ([]byte, error) { return nil, nil }
func (c *fakeCharacteristic) Write([]byte, bool, time.Duration) error { return nil }

type fakeService struct {
	uuid  string
	chars []device.Characteristic
}

func (s *fakeService) UUID() string                            { return s.uuid }
func (s *fakeService) KnownName() string                        { return "" }
func (s *fakeService) GetCharacteristics() []device.Characteristic { return s.chars }

func notifyChar(uuid string) *fakeCharacteristic {
	return &fakeCharacteristic{uuid: uuid, props: device.NewBLEProperties(gatt.PropNotify)}
}

func writeChar(uuid string) *fakeCharacteristic {
	return &fakeCharacteristic{uuid: uuid, props: device.NewBLEProperties(gatt.PropWrite)}
}

func TestFindUARTPairMatchesNotifyAndWriteCharacteristics(t *testing.T) {
	svc := &fakeService{uuid: "6e400001", chars: []device.Characteristic{
		notifyChar("6e400003"),
		writeChar("6e400002"),
	}}

	notifyUUID, writeUUID, wc, err := findUARTPair(svc)
	require.NoError(t, err)
	assert.Equal(t, "6e400003", notifyUUID)
	assert.Equal(t, "6e400002", writeUUID)
	assert.NotNil(t, wc)
}

func TestFindUARTPairAllowsNotifyOnlyService(t *testing.T) {
	svc := &fakeService{uuid: "180d", chars: []device.Characteristic{
		notifyChar("2a37"),
	}}

	notifyUUID, _, wc, err := findUARTPair(svc)
	require.NoError(t, err)
	assert.Equal(t, "2a37", notifyUUID)
	assert.Nil(t, wc)
}

func TestFindUARTPairRejectsServiceWithoutNotify(t *testing.T) {
	svc := &fakeService{uuid: "180a", chars: []device.Characteristic{
		writeChar("2a29"),
	}}

	_, _, _, err := findUARTPair(svc)
	assert.Error(t, err)
}

func TestFindUARTPairRejectsAmbiguousNotifyCharacteristics(t *testing.T) {
	svc := &fakeService{uuid: "ff00", chars: []device.Characteristic{
		notifyChar("ff01"),
		notifyChar("ff02"),
	}}

	_, _, _, err := findUARTPair(svc)
	assert.Error(t, err)
}

func TestFindUARTPairRejectsAmbiguousWriteCharacteristics(t *testing.T) {
	svc := &fakeService{uuid: "ff00", chars: []device.Characteristic{
		notifyChar("ff01"),
		writeChar("ff02"),
		writeChar("ff03"),
	}}

	_, _, _, err := findUARTPair(svc)
	assert.Error(t, err)
}
