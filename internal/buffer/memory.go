package buffer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memStream struct {
	entries  []Entry
	expireAt time.Time
}

// MemoryBuffer keeps streams in process memory. Trimming is exact rather
// than approximate.
type MemoryBuffer struct {
	mu      sync.Mutex
	streams map[string]*memStream
	maxLen  int64
	seq     uint64
	now     func() time.Time
}

func NewMemoryBuffer(maxLen int64) *MemoryBuffer {
	return &MemoryBuffer{
		streams: make(map[string]*memStream),
		maxLen:  maxLen,
		now:     time.Now,
	}
}

// SetNow replaces the clock used for expiry.
func (b *MemoryBuffer) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBuffer) Init(_ context.Context, key string, sessionID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streams[key] = &memStream{
		entries: []Entry{{ID: b.nextIDLocked(), Fields: map[string]string{FieldSessionID: strconv.FormatInt(sessionID, 10)}}},
	}
	return nil
}

func (b *MemoryBuffer) Append(_ context.Context, key string, ts time.Time, values []float64) error {
	fields, err := sampleFields(ts, values)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(key)
	if s == nil {
		s = &memStream{}
		b.streams[key] = s
	}
	s.entries = append(s.entries, Entry{ID: b.nextIDLocked(), Fields: fields})
	if b.maxLen > 0 && int64(len(s.entries)) > b.maxLen {
		s.entries = trimKeepingMarker(s.entries, b.maxLen)
	}
	return nil
}

// trimKeepingMarker drops the oldest samples until maxLen entries remain.
// A leading marker is never dropped.
func trimKeepingMarker(entries []Entry, maxLen int64) []Entry {
	drop := int64(len(entries)) - maxLen
	if len(entries) == 0 || !IsMarker(entries[0]) {
		return append([]Entry(nil), entries[drop:]...)
	}
	kept := make([]Entry, 0, maxLen)
	kept = append(kept, entries[0])
	start := 1 + drop
	if start > int64(len(entries)) {
		start = int64(len(entries))
	}
	return append(kept, entries[start:]...)
}

func (b *MemoryBuffer) Drain(_ context.Context, key string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(key)
	if s == nil {
		return []Entry{}, nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		fields := make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			fields[k] = v
		}
		out = append(out, Entry{ID: e.ID, Fields: fields})
	}
	return out, nil
}

func (b *MemoryBuffer) Streams(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.streams))
	for k := range b.streams {
		if b.streamLocked(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBuffer) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.streamLocked(key); s != nil {
		s.expireAt = b.now().Add(ttl)
	}
	return nil
}

func (b *MemoryBuffer) Remove(_ context.Context, key string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(key)
	if s == nil || len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	if len(s.entries) == 0 {
		delete(b.streams, key)
	}
	return nil
}

// streamLocked returns the live stream for key, evicting it if expired.
func (b *MemoryBuffer) streamLocked(key string) *memStream {
	s, ok := b.streams[key]
	if !ok {
		return nil
	}
	if !s.expireAt.IsZero() && !b.now().Before(s.expireAt) {
		delete(b.streams, key)
		return nil
	}
	return s
}

func (b *MemoryBuffer) nextIDLocked() string {
	b.seq++
	return fmt.Sprintf("%d-%d", b.now().UnixMilli(), b.seq)
}

var _ Buffer = (*MemoryBuffer)(nil)
