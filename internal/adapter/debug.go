package adapter

import (
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DebugFlag is the "exploding bitmask" debug option from spec.md §6,
// controlling which event categories get recorded in an Adapter's trace.
type DebugFlag uint32

const (
	DebugAdapterEvent DebugFlag = 1 << iota
	DebugGATTData
	DebugHCIEvent
	DebugHCIScanADEIR
	DebugMGMTEvent
)

// TraceEntry is one recorded debug event.
type TraceEntry struct {
	Flag DebugFlag
	At   time.Time
	Note string
}

// EventTrace is a bounded, overwrite-on-overflow record of debug events,
// the direct generalization of the teacher's LuaOutputCollector ring
// (hedzr/go-ringbuf/v2/mpmc) from Lua output records to adapter/HCI/GATT/
// MGMT trace lines: a diagnostics aid must never block the hot path it is
// observing, so old entries are sacrificed under sustained load rather
// than applying backpressure.
type EventTrace struct {
	enabled DebugFlag
	buf     mpmc.RichOverlappedRingBuffer[TraceEntry]
	dropped uint64
}

// NewEventTrace creates a trace recording only the categories set in
// enabled, with capacity bounding memory use.
func NewEventTrace(enabled DebugFlag, capacity uint32) *EventTrace {
	if capacity == 0 {
		capacity = 256
	}
	return &EventTrace{
		enabled: enabled,
		buf:     mpmc.NewOverlappedRingBuffer[TraceEntry](capacity),
	}
}

// Record appends an entry if flag is enabled in this trace's bitmask. now
// is passed in rather than read from the clock so callers stamp once per
// logical event regardless of how many trace sinks observe it.
func (t *EventTrace) Record(flag DebugFlag, now time.Time, note string) {
	if t == nil || t.enabled&flag == 0 {
		return
	}
	if overwrites, err := t.buf.EnqueueM(TraceEntry{Flag: flag, At: now, Note: note}); err == nil {
		t.dropped += uint64(overwrites)
	}
}

// Drain removes and returns every currently buffered entry, oldest first.
func (t *EventTrace) Drain() []TraceEntry {
	if t == nil {
		return nil
	}
	var out []TraceEntry
	for !t.buf.IsEmpty() {
		e, err := t.buf.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// Dropped reports how many entries were overwritten before being drained.
func (t *EventTrace) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped
}
