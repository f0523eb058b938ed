// Package itrace records interrupt events as fixed-size binary records.
package itrace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Recording is off until Open installs a sink.

// Each record is 16 bytes:
//   - 1 byte kind
//   - 1 byte vector
//   - 2 bytes reserved
//   - 4 bytes APIC ID
//   - 8 bytes timestamp (nanoseconds since epoch)

// Writers claim their record's offset by atomically adding to the current
// size of the trace, so any CPU loop can record without taking a lock.

// RecordSize is the encoded size of one trace record.
const RecordSize = 16

type Kind uint8

const (
	KindInvalid Kind = iota
	KindWake
	KindHostIRQ
	KindDeliver
	KindQueue
	KindGuestEOI
	KindIPISend
	KindIPIDone
)

func (k Kind) String() string {
	switch k {
	case KindWake:
		return "wake"
	case KindHostIRQ:
		return "host-irq"
	case KindDeliver:
		return "deliver"
	case KindQueue:
		return "queue"
	case KindGuestEOI:
		return "guest-eoi"
	case KindIPISend:
		return "ipi-send"
	case KindIPIDone:
		return "ipi-done"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Writer is a trace sink. WriteAt must be safe for concurrent use; both
// os.File and Buffer qualify.
type Writer interface {
	io.WriterAt
	io.Closer
}

type tracer struct {
	w Writer
}

var (
	out    atomic.Pointer[tracer]
	offset atomic.Uint64
)

// OpenFile starts recording to a file, truncating any previous trace so
// successive runs don't leave stale trailing records.
func OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts recording to w. The error is a warning, not a failure: it
// reports that an earlier sink was still installed and has been dropped.
func Open(w Writer) error {
	offset.Store(0)
	if out.Swap(&tracer{w: w}) != nil {
		return fmt.Errorf("itrace: already open, discarded old writer")
	}
	return nil
}

// Close stops recording and closes the sink.
func Close() error {
	t := out.Swap(nil)
	if t != nil {
		if err := t.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

// Enabled reports whether a sink is installed.
func Enabled() bool {
	return out.Load() != nil
}

// Record writes one trace record. It is a no-op while no sink is open.
func Record(kind Kind, apicID uint32, vector uint8) {
	t := out.Load()
	if t == nil {
		return
	}

	var rec [RecordSize]byte
	rec[0] = byte(kind)
	rec[1] = vector
	binary.LittleEndian.PutUint32(rec[4:8], apicID)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(time.Now().UnixNano()))

	off := offset.Add(RecordSize) - RecordSize
	if _, err := t.w.WriteAt(rec[:], int64(off)); err != nil {
		panic(err)
	}
}

// Buffer is an in-memory trace sink.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(b.data)) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:], p)
	return len(p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of the recorded trace.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte{}, b.data...)
}

// Event is one decoded trace record.
type Event struct {
	Time   time.Time
	Kind   Kind
	APICID uint32
	Vector uint8
}

// Decode parses a trace stream in the order records were claimed.
func Decode(data []byte) ([]Event, error) {
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("itrace: truncated trace of %d bytes", len(data))
	}

	events := make([]Event, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		rec := data[off : off+RecordSize]
		kind := Kind(rec[0])
		if kind == KindInvalid {
			return nil, fmt.Errorf("itrace: invalid record at offset %d", off)
		}
		events = append(events, Event{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(rec[8:16]))),
			Kind:   kind,
			APICID: binary.LittleEndian.Uint32(rec[4:8]),
			Vector: rec[1],
		})
	}
	return events, nil
}

// DecodeFile reads and parses a trace file.
func DecodeFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("itrace: read %s: %w", path, err)
	}
	return Decode(data)
}

// SortByTime reorders events by timestamp. Concurrent writers stamp their
// records before claiming an offset, so claim order and time order can
// disagree across CPUs.
func SortByTime(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Time.Before(events[j].Time)
	})
}

// CountByKind tallies events per kind.
func CountByKind(events []Event) map[Kind]int {
	counts := make(map[Kind]int)
	for _, e := range events {
		counts[e.Kind]++
	}
	return counts
}
