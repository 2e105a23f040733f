package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtendedProperties(t *testing.T) {
	ep, err := ParseExtendedProperties([]byte{0x03, 0x00})
	require.NoError(t, err)
	assert.True(t, ep.ReliableWrite)
	assert.True(t, ep.WritableAuxiliaries)

	ep, err = ParseExtendedProperties([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.False(t, ep.ReliableWrite)
	assert.False(t, ep.WritableAuxiliaries)

	_, err = ParseExtendedProperties([]byte{0x01})
	assert.Error(t, err)
}

func TestParseClientConfig(t *testing.T) {
	cc, err := ParseClientConfig([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.True(t, cc.Notifications)
	assert.False(t, cc.Indications)

	cc, err = ParseClientConfig([]byte{0x02, 0x00})
	require.NoError(t, err)
	assert.False(t, cc.Notifications)
	assert.True(t, cc.Indications)

	_, err = ParseClientConfig(nil)
	assert.Error(t, err)
}

func TestParseServerConfig(t *testing.T) {
	sc, err := ParseServerConfig([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.True(t, sc.Broadcasts)
}

func TestParseUserDescription(t *testing.T) {
	s, err := ParseUserDescription([]byte("Heart Rate\x00"))
	require.NoError(t, err)
	assert.Equal(t, "Heart Rate", s)

	s, err = ParseUserDescription(nil)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestParsePresentationFormat(t *testing.T) {
	data := []byte{0x04, 0x00, 0x00, 0x27, 0x01, 0x00, 0x00}
	pf, err := ParsePresentationFormat(data)
	require.NoError(t, err)
	assert.EqualValues(t, FormatUint8, pf.Format)
	assert.EqualValues(t, 0, pf.Exponent)
	assert.EqualValues(t, 0x2700, pf.Unit)
	assert.EqualValues(t, 1, pf.Namespace)

	_, err = ParsePresentationFormat([]byte{0x01})
	assert.Error(t, err)
}

func TestParseValidRange(t *testing.T) {
	vr, err := ParseValidRange([]byte{0x00, 0x64})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, vr.MinValue)
	assert.Equal(t, []byte{0x64}, vr.MaxValue)

	_, err = ParseValidRange([]byte{0x01})
	assert.Error(t, err)
}

func TestParseDescriptorValue(t *testing.T) {
	v, err := ParseDescriptorValue(DescriptorClientConfig, []byte{0x01, 0x00}, nil)
	require.NoError(t, err)
	cc, ok := v.(*ClientConfig)
	require.True(t, ok)
	assert.True(t, cc.Notifications)

	// unknown descriptor UUID returns raw bytes
	v, err = ParseDescriptorValue("ffff", []byte{0xaa, 0xbb}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, v)

	// empty data returns (nil, nil) except for aggregate format
	v, err = ParseDescriptorValue(DescriptorClientConfig, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

type fakeDescriptor struct {
	uuid string
}

func (d *fakeDescriptor) UUID() string            { return d.uuid }
func (d *fakeDescriptor) KnownName() string       { return "" }
func (d *fakeDescriptor) Value() []byte           { return nil }
func (d *fakeDescriptor) ParsedValue() interface{} { return nil }

func TestParseDescriptorAggregateFormat(t *testing.T) {
	descs := []Descriptor{
		&fakeDescriptor{uuid: DescriptorPresentationFormat},
		&fakeDescriptor{uuid: DescriptorPresentationFormat},
	}
	data := []byte{0x10, 0x00, 0x11, 0x00}
	agg, err := ParseDescriptorAggregateFormat(data, descs)
	require.NoError(t, err)
	assert.Len(t, *agg, 2)

	// empty aggregate is valid
	agg, err = ParseDescriptorAggregateFormat(nil, nil)
	require.NoError(t, err)
	assert.Len(t, *agg, 0)

	// mismatched counts are rejected
	_, err = ParseDescriptorAggregateFormat(data, []Descriptor{&fakeDescriptor{uuid: DescriptorPresentationFormat}})
	assert.Error(t, err)
}
