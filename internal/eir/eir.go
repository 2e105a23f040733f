// Package eir decodes Extended Inquiry Response / advertising data: the
// typed-length-value field list carried in LE advertising and scan-response
// PDUs, and the rule for merging a primary advertisement with its
// scan-response companion (spec.md §3, §8 "EIR merging").
package eir

import "sort"

// Field type codes from the Bluetooth "Generic Access Profile" assigned
// numbers, the subset this stack decodes.
const (
	TypeFlags                  = 0x01
	TypeIncomplete16           = 0x02
	TypeComplete16             = 0x03
	TypeIncomplete32           = 0x04
	TypeComplete32             = 0x05
	TypeIncomplete128          = 0x06
	TypeComplete128            = 0x07
	TypeShortLocalName         = 0x08
	TypeCompleteLocalName      = 0x09
	TypeTxPowerLevel           = 0x0A
	TypeServiceData16          = 0x16
	TypeServiceData32          = 0x20
	TypeServiceData128         = 0x21
	TypeManufacturerData       = 0xFF
	TypeAppearance             = 0x19
)

// Present is a bitset of which Report fields were actually decoded from the
// wire, distinct from the field being present-but-zero.
type Present uint32

const (
	HasFlags Present = 1 << iota
	HasLocalName
	HasTxPower
	HasAppearance
	HasManufacturerData
	HasServiceUUIDs
	HasServiceData
)

// ServiceData is one service-data TLV, keyed by the service's UUID in its
// normalized (lowercase, dash-free) string form.
type ServiceData struct {
	UUID string
	Data []byte
}

// Report is the decoded, merged view of one device's advertising data. A
// report may be built from a single PDU or merged from an initial
// advertisement plus its scan response.
type Report struct {
	Present          Present
	Flags            uint8
	LocalName        string
	LocalNameComplete bool
	TxPowerLevel     int8
	Appearance       uint16
	ManufacturerData []byte
	ServiceUUIDs     []string
	ServiceData      []ServiceData
}

// Decode parses one AD structure list (as carried in an LE advertising
// report or scan-response PDU) into a Report.
func Decode(data []byte) Report {
	var r Report
	for i := 0; i+1 <= len(data); {
		length := int(data[i])
		if length == 0 {
			break
		}
		end := i + 1 + length
		if end > len(data) {
			break
		}
		adType := data[i+1]
		payload := data[i+2 : end]
		decodeField(&r, adType, payload)
		i = end
	}
	sortReport(&r)
	return r
}

func decodeField(r *Report, adType byte, payload []byte) {
	switch adType {
	case TypeFlags:
		if len(payload) >= 1 {
			r.Flags = payload[0]
			r.Present |= HasFlags
		}
	case TypeShortLocalName, TypeCompleteLocalName:
		r.LocalName = string(payload)
		r.LocalNameComplete = adType == TypeCompleteLocalName
		r.Present |= HasLocalName
	case TypeTxPowerLevel:
		if len(payload) >= 1 {
			r.TxPowerLevel = int8(payload[0])
			r.Present |= HasTxPower
		}
	case TypeAppearance:
		if len(payload) >= 2 {
			r.Appearance = uint16(payload[0]) | uint16(payload[1])<<8
			r.Present |= HasAppearance
		}
	case TypeManufacturerData:
		r.ManufacturerData = append([]byte(nil), payload...)
		r.Present |= HasManufacturerData
	case TypeIncomplete16, TypeComplete16:
		decodeUUIDList(r, payload, 2)
	case TypeIncomplete32, TypeComplete32:
		decodeUUIDList(r, payload, 4)
	case TypeIncomplete128, TypeComplete128:
		decodeUUIDList(r, payload, 16)
	case TypeServiceData16:
		decodeServiceData(r, payload, 2)
	case TypeServiceData32:
		decodeServiceData(r, payload, 4)
	case TypeServiceData128:
		decodeServiceData(r, payload, 16)
	}
}

func decodeUUIDList(r *Report, payload []byte, width int) {
	for i := 0; i+width <= len(payload); i += width {
		r.ServiceUUIDs = append(r.ServiceUUIDs, hexLE(payload[i:i+width]))
	}
	if len(payload) > 0 {
		r.Present |= HasServiceUUIDs
	}
}

func decodeServiceData(r *Report, payload []byte, width int) {
	if len(payload) < width {
		return
	}
	r.ServiceData = append(r.ServiceData, ServiceData{
		UUID: hexLE(payload[:width]),
		Data: append([]byte(nil), payload[width:]...),
	})
	r.Present |= HasServiceData
}

// hexLE renders a little-endian wire UUID as a lowercase hex string in
// big-endian display order.
func hexLE(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	const hexDigits = "0123456789abcdef"
	for i := len(b) - 1; i >= 0; i-- {
		out = append(out, hexDigits[b[i]>>4], hexDigits[b[i]&0xf])
	}
	return string(out)
}

// Merge combines a primary advertisement report with its scan-response
// report. Merge is commutative and idempotent: fields present in only one
// side are copied across, and conflicting scalar fields prefer the
// already-present value of the receiver so that Merge(a, b) == Merge(b, a)
// whenever a and b don't disagree (spec.md §8 "EIR merging").
func Merge(a, b Report) Report {
	out := a
	out.Present = a.Present | b.Present

	if a.Present&HasFlags == 0 && b.Present&HasFlags != 0 {
		out.Flags = b.Flags
	}
	if a.Present&HasLocalName == 0 && b.Present&HasLocalName != 0 {
		out.LocalName = b.LocalName
		out.LocalNameComplete = b.LocalNameComplete
	} else if a.Present&HasLocalName != 0 && b.Present&HasLocalName != 0 && b.LocalNameComplete && !a.LocalNameComplete {
		out.LocalName = b.LocalName
		out.LocalNameComplete = true
	}
	if a.Present&HasTxPower == 0 && b.Present&HasTxPower != 0 {
		out.TxPowerLevel = b.TxPowerLevel
	}
	if a.Present&HasAppearance == 0 && b.Present&HasAppearance != 0 {
		out.Appearance = b.Appearance
	}
	if a.Present&HasManufacturerData == 0 && b.Present&HasManufacturerData != 0 {
		out.ManufacturerData = b.ManufacturerData
	}

	out.ServiceUUIDs = unionStrings(a.ServiceUUIDs, b.ServiceUUIDs)
	out.ServiceData = unionServiceData(a.ServiceData, b.ServiceData)
	sortReport(&out)
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func unionServiceData(a, b []ServiceData) []ServiceData {
	seen := make(map[string]ServiceData, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, sd := range append(append([]ServiceData{}, a...), b...) {
		if _, ok := seen[sd.UUID]; !ok {
			order = append(order, sd.UUID)
		}
		seen[sd.UUID] = sd
	}
	out := make([]ServiceData, 0, len(order))
	for _, uuid := range order {
		out = append(out, seen[uuid])
	}
	return out
}

func sortReport(r *Report) {
	sort.Strings(r.ServiceUUIDs)
	sort.Slice(r.ServiceData, func(i, j int) bool { return r.ServiceData[i].UUID < r.ServiceData[j].UUID })
}
