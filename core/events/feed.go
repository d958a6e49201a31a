package events

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agustin125/securitize-smart-contracts/observability"
)

const feedHistoryLimit = 2048

// Record is an event as delivered to subscribers, stamped with its position in
// the feed. Cursor is the decimal sequence clients resume from.
type Record struct {
	Sequence  uint64            `json:"sequence"`
	Cursor    string            `json:"cursor"`
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Attrs     map[string]string `json:"attributes"`
}

func cloneRecord(r Record) Record {
	out := r
	out.Attrs = maps.Clone(r.Attrs)
	return out
}

// Feed is an Emitter that logs each event, counts it and fans it out to
// subscribers. A bounded history lets late subscribers catch up from a cursor.
// Slow subscribers miss events rather than blocking the emitter.
type Feed struct {
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.FeedMetrics

	mu      sync.Mutex
	seq     uint64
	history []Record
	subs    map[uint64]chan Record
	nextID  uint64
	dropped uint64
}

// NewFeed creates an empty feed. A nil logger uses slog.Default.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger:  logger,
		now:     time.Now,
		metrics: observability.Feed(),
		subs:    make(map[uint64]chan Record),
	}
}

// Emit implements Emitter. Events that cannot render a *types.Event are
// ignored.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	typed, ok := evt.(Payload)
	if !ok {
		return
	}
	payload := typed.Event().Clone()
	if payload == nil {
		return
	}
	f.metrics.Emitted(payload.Type)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	record := Record{
		Sequence:  f.seq,
		Cursor:    strconv.FormatUint(f.seq, 10),
		Type:      payload.Type,
		Timestamp: f.now().Unix(),
		Attrs:     payload.Attributes,
	}
	f.history = append(f.history, record)
	if len(f.history) > feedHistoryLimit {
		excess := len(f.history) - feedHistoryLimit
		trimmed := make([]Record, feedHistoryLimit)
		copy(trimmed, f.history[excess:])
		f.history = trimmed
	}
	missed := 0
	for _, ch := range f.subs {
		select {
		case ch <- cloneRecord(record):
		default:
			missed++
		}
	}
	f.dropped += uint64(missed)
	f.metrics.Dropped(missed)

	attrs := make([]any, 0, 2*len(record.Attrs)+2)
	attrs = append(attrs, "event", record.Type)
	for k, v := range record.Attrs {
		attrs = append(attrs, k, v)
	}
	f.logger.Info("market event", attrs...)
}

// Subscribe registers a subscriber for events after cursor. It returns the
// live channel, a cancel function and the retained backlog. The channel is
// closed by cancel or when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, cursor string) (<-chan Record, func(), []Record) {
	updates := make(chan Record, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = updates
	f.metrics.Subscribers(1)
	backlog := make([]Record, 0, len(f.history))
	for _, entry := range f.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneRecord(entry))
		}
	}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
				f.metrics.Subscribers(-1)
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Recent returns up to limit of the most recent records, oldest first.
func (f *Feed) Recent(limit int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if limit > 0 && len(f.history) > limit {
		start = len(f.history) - limit
	}
	out := make([]Record, 0, len(f.history)-start)
	for _, entry := range f.history[start:] {
		out = append(out, cloneRecord(entry))
	}
	return out
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
