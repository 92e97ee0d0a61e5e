// Package chatlink mirrors server state into chat channels: a channel topic
// that follows the status of the servers bound to it, and the servers'
// console output posted in batches.
package chatlink

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/factorio-deck/factorio-deck/internal/batch"
	"github.com/factorio-deck/factorio-deck/internal/debounce"
	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

var chatLog = logging.ForComponent(logging.CompChat)

// TopicFunc returns the current topic fragment for one server.
type TopicFunc func() string

// FormatTopic renders the topic fragment of one server.
func FormatTopic(status server.Status, name, version string) string {
	return "Status: " + status.String() + " | Name: " + name + " | Version: " + version
}

// topicSeparator joins the fragments of servers sharing a channel.
const topicSeparator = " ; "

// Link is the state kept for one chat channel.
type Link struct {
	channelID     string
	api           ChannelAPI
	log           *slog.Logger
	flushInterval time.Duration

	topicUpdater *debounce.Updater

	mu        sync.Mutex
	topics    map[string]TopicFunc
	lastTopic string

	addMu   sync.Mutex
	batcher *batch.TextBatcher
	queue   chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newLink(channelID string, opts Options) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		channelID:     channelID,
		api:           opts.API,
		log:           chatLog.With(slog.String("channel", channelID)),
		flushInterval: opts.FlushInterval,
		topics:        make(map[string]TopicFunc),
		batcher:       batch.New(opts.MessageSize),
		queue:         make(chan string, opts.QueueSize),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	l.topicUpdater = debounce.New(l.updateTopic, debounce.Options{
		Delay:  opts.TopicDelay,
		Sleep:  opts.Sleep,
		Logger: l.log,
		Name:   "topic:" + channelID,
	})
	go l.flushLoop()
	return l
}

// ChannelID returns the chat channel id.
func (l *Link) ChannelID() string {
	return l.channelID
}

func (l *Link) addServer(serverID string, topic TopicFunc) {
	l.mu.Lock()
	l.topics[serverID] = topic
	l.mu.Unlock()
	l.topicUpdater.ScheduleUpdate()
}

func (l *Link) removeServer(serverID string) {
	l.mu.Lock()
	delete(l.topics, serverID)
	l.mu.Unlock()
}

// ScheduleTopic requests a topic refresh. Bursts collapse into one update.
func (l *Link) ScheduleTopic() {
	l.topicUpdater.ScheduleUpdate()
}

// Topic renders the channel topic from the current state of its servers.
func (l *Link) Topic() string {
	l.mu.Lock()
	ids := make([]string, 0, len(l.topics))
	for id := range l.topics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fns := make([]TopicFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.topics[id])
	}
	l.mu.Unlock()

	parts := make([]string, 0, len(fns))
	for _, fn := range fns {
		parts = append(parts, fn())
	}
	return strings.Join(parts, topicSeparator)
}

func (l *Link) updateTopic(ctx context.Context) error {
	topic := l.Topic()

	l.mu.Lock()
	unchanged := topic == l.lastTopic
	l.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := l.api.SetTopic(ctx, l.channelID, topic); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastTopic = topic
	l.mu.Unlock()
	logging.Aggregate(logging.CompChat, "topic_updated", slog.String("channel", l.channelID))
	return nil
}

// AddLine queues one output line. Lines are grouped into messages no larger
// than the message size; a longer line is truncated.
func (l *Link) AddLine(line string) {
	line = truncate(strings.TrimRight(line, "\r\n"), l.batcher.Cap()-1) + "\n"

	l.addMu.Lock()
	defer l.addMu.Unlock()

	if l.batcher.TryAdd(line) {
		return
	}
	l.enqueue(l.batcher.MakeBatch())
	l.batcher.TryAdd(line)
}

func (l *Link) enqueue(text string) {
	if text == "" {
		return
	}
	select {
	case l.queue <- text:
	default:
		logging.Aggregate(logging.CompChat, "output_dropped", slog.String("channel", l.channelID))
	}
}

func truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func (l *Link) flushLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			l.drain()
			return
		case text := <-l.queue:
			l.send(l.ctx, text)
		case <-ticker.C:
			// Through the queue, so batches go out in the order they filled.
			l.addMu.Lock()
			l.enqueue(l.batcher.MakeBatch())
			l.addMu.Unlock()
		}
	}
}

// drain posts what is left after the link is closed.
func (l *Link) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.addMu.Lock()
	l.enqueue(l.batcher.MakeBatch())
	l.addMu.Unlock()

	for empty := false; !empty; {
		select {
		case text := <-l.queue:
			l.send(ctx, text)
		default:
			empty = true
		}
	}
}

func (l *Link) send(ctx context.Context, text string) {
	if err := l.api.SendMessage(ctx, l.channelID, text); err != nil {
		l.log.Warn("chat_send_failed", slog.String("error", err.Error()))
	}
}

// Close stops the topic updater and flushes pending output.
func (l *Link) Close() {
	l.topicUpdater.Close()
	l.cancel()
	<-l.done
}
