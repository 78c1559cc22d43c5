package bus

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryBus implements Bus with in-process streams mirroring Redis Streams
// semantics: ordered append-only logs, consumer groups with a shared cursor,
// per-entry pending ownership, explicit ack, idle-based reclaim, and
// approximate length trimming. Used by tests and by single-process
// development mode.
type MemoryBus struct {
	mu         sync.Mutex
	streams    map[string]*memoryStream
	seq        int64
	trimMaxLen int64
	closed     bool
}

type memoryStream struct {
	entries []memoryEntry
	groups  map[string]*memoryGroup
	notify  chan struct{} // closed and replaced on every append
}

type memoryEntry struct {
	id     string
	seq    int64
	values map[string]string
}

type memoryGroup struct {
	cursorSeq int64 // seq of the last entry handed out via ">"
	pending   map[string]*pendingEntry
}

type pendingEntry struct {
	entry       memoryEntry
	consumer    string
	deliveredAt time.Time
}

// NewMemoryBus creates an empty in-memory bus. trimMaxLen caps stream length
// on publish; zero disables trimming.
func NewMemoryBus(trimMaxLen int64) *MemoryBus {
	return &MemoryBus{
		streams:    make(map[string]*memoryStream),
		trimMaxLen: trimMaxLen,
	}
}

func (b *MemoryBus) stream(name string) *memoryStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memoryStream{
			groups: make(map[string]*memoryGroup),
			notify: make(chan struct{}),
		}
		b.streams[name] = s
	}
	return s
}

// Publish appends an entry and wakes blocked readers.
func (b *MemoryBus) Publish(_ context.Context, stream string, values map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	b.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), b.seq)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}

	s := b.stream(stream)
	s.entries = append(s.entries, memoryEntry{id: id, seq: b.seq, values: copied})
	if b.trimMaxLen > 0 && int64(len(s.entries)) > b.trimMaxLen {
		s.entries = s.entries[int64(len(s.entries))-b.trimMaxLen:]
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// EnsureGroup creates the group at the start of the stream; existing groups
// are left untouched.
func (b *MemoryBus) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{pending: make(map[string]*pendingEntry)}
	}
	return nil
}

// ReadGroup delivers new entries past the group cursor, marking them pending
// for this consumer. Blocks up to block when nothing is available.
func (b *MemoryBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		s := b.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such consumer group %q for stream %q", group, stream)
		}

		var out []Entry
		for _, e := range s.entries {
			if e.seq <= g.cursorSeq {
				continue
			}
			g.cursorSeq = e.seq
			g.pending[e.id] = &pendingEntry{entry: e, consumer: consumer, deliveredAt: time.Now()}
			out = append(out, Entry{ID: e.id, Stream: stream, Values: copyValues(e.values)})
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
		notify := s.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if block <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

// ReadPending reclaims entries idle for at least minIdle, transferring
// ownership to this consumer.
func (b *MemoryBus) ReadPending(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such consumer group %q for stream %q", group, stream)
	}

	now := time.Now()
	var out []Entry
	for _, p := range g.pending {
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, Entry{ID: p.entry.id, Stream: stream, Values: copyValues(p.entry.values)})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i].ID, out[j].ID) })
	return out, nil
}

// Ack removes entries from the group's pending list.
func (b *MemoryBus) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Streams lists stream names matching a glob pattern.
func (b *MemoryBus) Streams(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.streams {
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close marks the bus closed; subsequent operations fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// PendingCount reports how many entries a group holds unacked. Test helper.
func (b *MemoryBus) PendingCount(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Len reports the number of entries currently retained by a stream.
func (b *MemoryBus) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok {
		return 0
	}
	return len(s.entries)
}

func copyValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func entryLess(a, c string) bool {
	am, as, _ := strings.Cut(a, "-")
	cm, cs, _ := strings.Cut(c, "-")
	ai, _ := strconv.ParseInt(am, 10, 64)
	ci, _ := strconv.ParseInt(cm, 10, 64)
	if ai != ci {
		return ai < ci
	}
	aj, _ := strconv.ParseInt(as, 10, 64)
	cj, _ := strconv.ParseInt(cs, 10, 64)
	return aj < cj
}
