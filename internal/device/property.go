package device

import "github.com/srg/bthost/internal/gatt"

// BLEProperty represents a single BLE characteristic property with its bit
// flag value and human-readable name. It implements the Property interface.
type BLEProperty struct {
	value uint8
	name  string
}

// Value returns the bit flag value of the property.
func (p *BLEProperty) Value() int { return int(p.value) }

// KnownName returns the human-readable name of the property.
func (p *BLEProperty) KnownName() string { return p.name }

// BLEProperties adapts a raw GATT characteristic-declaration properties
// bitmask (gatt.Prop*) to the Properties interface.
type BLEProperties struct {
	broadcast                 *BLEProperty
	read                      *BLEProperty
	write                     *BLEProperty
	writeWithoutResponse      *BLEProperty
	notify                    *BLEProperty
	indicate                  *BLEProperty
	authenticatedSignedWrites *BLEProperty
	extendedProperties        *BLEProperty
}

// NewBLEProperties builds a Properties view from the raw bitmask discovered
// in a characteristic declaration.
func NewBLEProperties(bits uint8) Properties {
	p := &BLEProperties{}
	if bits&gatt.PropBroadcast != 0 {
		p.broadcast = &BLEProperty{value: gatt.PropBroadcast, name: "Broadcast"}
	}
	if bits&gatt.PropRead != 0 {
		p.read = &BLEProperty{value: gatt.PropRead, name: "Read"}
	}
	if bits&gatt.PropWrite != 0 {
		p.write = &BLEProperty{value: gatt.PropWrite, name: "Write"}
	}
	if bits&gatt.PropWriteNoResp != 0 {
		p.writeWithoutResponse = &BLEProperty{value: gatt.PropWriteNoResp, name: "WriteWithoutResponse"}
	}
	if bits&gatt.PropNotify != 0 {
		p.notify = &BLEProperty{value: gatt.PropNotify, name: "Notify"}
	}
	if bits&gatt.PropIndicate != 0 {
		p.indicate = &BLEProperty{value: gatt.PropIndicate, name: "Indicate"}
	}
	if bits&gatt.PropSignedWrite != 0 {
		p.authenticatedSignedWrites = &BLEProperty{value: gatt.PropSignedWrite, name: "AuthenticatedSignedWrites"}
	}
	if bits&gatt.PropExtendedProps != 0 {
		p.extendedProperties = &BLEProperty{value: gatt.PropExtendedProps, name: "ExtendedProperties"}
	}
	return p
}

func (p *BLEProperties) Broadcast() Property {
	if p.broadcast == nil {
		return nil
	}
	return p.broadcast
}

func (p *BLEProperties) Read() Property {
	if p.read == nil {
		return nil
	}
	return p.read
}

func (p *BLEProperties) Write() Property {
	if p.write == nil {
		return nil
	}
	return p.write
}

func (p *BLEProperties) WriteWithoutResponse() Property {
	if p.writeWithoutResponse == nil {
		return nil
	}
	return p.writeWithoutResponse
}

func (p *BLEProperties) Notify() Property {
	if p.notify == nil {
		return nil
	}
	return p.notify
}

func (p *BLEProperties) Indicate() Property {
	if p.indicate == nil {
		return nil
	}
	return p.indicate
}

func (p *BLEProperties) AuthenticatedSignedWrites() Property {
	if p.authenticatedSignedWrites == nil {
		return nil
	}
	return p.authenticatedSignedWrites
}

func (p *BLEProperties) ExtendedProperties() Property {
	if p.extendedProperties == nil {
		return nil
	}
	return p.extendedProperties
}
