package logging

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ServerAttr is the attribute key that splits aggregated counts per server.
const ServerAttr = "server_id"

type aggregateKey struct {
	Component string
	Event     string
	Server    string
}

type aggregateEntry struct {
	Count  int64
	Fields []slog.Attr
}

// Aggregator counts high-frequency events (game output lines, wrapper
// reconnects) and emits one summary per event type per interval instead of a
// record per occurrence.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every interval.
// If logger is nil, recorded events are dropped.
func NewAggregator(logger *slog.Logger, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Aggregator{
		logger:   logger,
		interval: interval,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining entries and stops the background goroutine.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Record increments the counter for an event type. Events carrying a
// server_id attribute are counted per server. Fields from the most recent
// call win.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	key := aggregateKey{Component: component, Event: event}
	for _, f := range fields {
		if f.Key == ServerAttr {
			key.Server = f.Value.String()
			break
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{}
		a.entries[key] = entry
	}
	entry.Count++
	if len(fields) > 0 {
		entry.Fields = fields
	}
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := slices.SortedFunc(maps.Keys(entries), func(x, y aggregateKey) int {
		return cmp.Or(
			cmp.Compare(x.Component, y.Component),
			cmp.Compare(x.Event, y.Event),
			cmp.Compare(x.Server, y.Server),
		)
	})

	for _, key := range keys {
		entry := entries[key]
		attrs := []any{
			slog.String("component", key.Component),
			slog.String("event", key.Event),
			slog.Int64("count", entry.Count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range entry.Fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
