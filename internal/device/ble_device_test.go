package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/eir"
)

func testAdvertisement() *BLEAdvertisement {
	report := eir.Report{
		Present:          eir.HasLocalName | eir.HasTxPower | eir.HasManufacturerData | eir.HasServiceUUIDs,
		LocalName:        "Widget",
		TxPowerLevel:     -12,
		ManufacturerData: []byte{0x4c, 0x00, 0x01},
		ServiceUUIDs:     []string{"180d", "180f"},
	}
	addr, err := codec.ParseAddress("AA:BB:CC:DD:EE:FF")
	if err != nil {
		panic(err)
	}
	return NewAdvertisement(addr, codec.AddrPublicLE, -40, true, report)
}

func TestBLEAdvertisementAccessors(t *testing.T) {
	adv := testAdvertisement()

	require.Equal(t, "Widget", adv.LocalName())
	require.Equal(t, []byte{0x4c, 0x00, 0x01}, adv.ManufacturerData())
	require.Equal(t, []string{"180d", "180f"}, adv.Services())
	require.Equal(t, -12, adv.TxPowerLevel())
	require.True(t, adv.Connectable())
	require.Equal(t, -40, adv.RSSI())
	require.Equal(t, "AA:BB:CC:DD:EE:FF", adv.Addr())
	require.Nil(t, adv.OverflowService())
	require.Nil(t, adv.SolicitedService())
}

func TestNewDeviceFromAdvertisementCopiesFields(t *testing.T) {
	adv := testAdvertisement()

	d := NewDeviceFromAdvertisement(adv, nil)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", d.Address())
	require.Equal(t, d.Address(), d.ID())
	require.Equal(t, "Widget", d.Name())
	require.Equal(t, []string{"180d", "180f"}, d.AdvertisedServices())
	require.Equal(t, []byte{0x4c, 0x00, 0x01}, d.ManufacturerData())
	require.True(t, d.IsConnectable())
	require.NotNil(t, d.TxPower())
	require.Equal(t, -12, *d.TxPower())
	require.False(t, d.IsConnected())
	require.Nil(t, d.GetConnection())
}

func TestBLEDeviceUpdateRefreshesCachedAdvertisement(t *testing.T) {
	dev := NewDevice("11:22:33:44:55:66", nil)

	first := testAdvertisement()
	dev.(*BLEDevice).Update(first)
	require.Equal(t, "Widget", dev.Name())
	require.Equal(t, -40, dev.RSSI())

	second := NewAdvertisement(first.addr, first.addrT, -55, false, eir.Report{
		Present:      eir.HasLocalName,
		LocalName:    "Widget2",
		ServiceUUIDs: nil,
	})
	dev.(*BLEDevice).Update(second)

	require.Equal(t, "Widget2", dev.Name())
	require.Equal(t, -55, dev.RSSI())
	require.False(t, dev.IsConnectable())
}

func TestBLEDeviceTxPowerAbsentWithoutAdvertisement(t *testing.T) {
	dev := NewDevice("11:22:33:44:55:66", nil)
	require.Nil(t, dev.TxPower())
	require.Equal(t, "11:22:33:44:55:66", dev.Address())
}

func TestBLEDeviceServiceDataIndexedByUUID(t *testing.T) {
	bd := &BLEDevice{
		adv: eir.Report{
			ServiceData: []eir.ServiceData{{UUID: "180d", Data: []byte{1, 2}}},
		},
	}

	sd := bd.ServiceData()
	require.Equal(t, []byte{1, 2}, sd["180d"])
}
