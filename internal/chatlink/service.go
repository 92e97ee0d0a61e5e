package chatlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/debounce"
	"github.com/factorio-deck/factorio-deck/internal/refstore"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

// Defaults for Options.
const (
	DefaultTopicDelay    = 30 * time.Second
	DefaultFlushInterval = 2 * time.Second
	DefaultMessageSize   = 2000
	DefaultQueueSize     = 64
)

var ErrNoAPI = errors.New("chatlink: no channel api configured")

// Options configures a Service.
type Options struct {
	API ChannelAPI

	// TopicDelay is the minimum spacing between topic updates of one channel.
	TopicDelay time.Duration
	// Sleep replaces the topic updater delay, for tests.
	Sleep debounce.SleepFunc

	FlushInterval time.Duration
	MessageSize   int
	QueueSize     int
}

func (o *Options) applyDefaults() {
	if o.TopicDelay <= 0 {
		o.TopicDelay = DefaultTopicDelay
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MessageSize <= 1 {
		o.MessageSize = DefaultMessageSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}

// Service binds servers to chat channels. Servers sharing a channel share one
// Link, which lives while at least one server is bound to it.
type Service struct {
	opts  Options
	links *refstore.Store[string, *Link]

	mu      sync.Mutex
	servers map[string]string
}

// New creates a Service.
func New(opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		opts: opts,
		links: refstore.New(func(channelID string, l *Link) {
			chatLog.Info("chat_link_closed", slog.String("channel", channelID))
			l.Close()
		}),
		servers: make(map[string]string),
	}
}

func (s *Service) createLink(state any) (*Link, error) {
	channelID := state.(string)
	if s.opts.API == nil {
		return nil, ErrNoAPI
	}
	chatLog.Info("chat_link_opened", slog.String("channel", channelID))
	return newLink(channelID, s.opts), nil
}

// Attach binds serverID to channelID. A previous binding of serverID is
// released first.
func (s *Service) Attach(serverID, channelID string, topic TopicFunc) error {
	if channelID == "" {
		return nil
	}
	s.Detach(serverID)

	s.links.AddUsage(channelID)
	link, err := s.links.GetOrCreate(channelID, s.createLink, channelID)
	if err != nil {
		s.links.RemoveUsage(channelID)
		return fmt.Errorf("attach %s to channel %s: %w", serverID, channelID, err)
	}

	s.mu.Lock()
	s.servers[serverID] = channelID
	s.mu.Unlock()

	link.addServer(serverID, topic)
	return nil
}

// Detach unbinds serverID. The channel link closes with its last server.
func (s *Service) Detach(serverID string) {
	s.mu.Lock()
	channelID, ok := s.servers[serverID]
	delete(s.servers, serverID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if link, err := s.links.GetOrCreate(channelID, s.createLink, channelID); err == nil {
		link.removeServer(serverID)
		link.ScheduleTopic()
	}
	s.links.RemoveUsage(channelID)
}

// Link returns the link serverID is bound to.
func (s *Service) Link(serverID string) (*Link, bool) {
	s.mu.Lock()
	channelID, ok := s.servers[serverID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	link, err := s.links.GetOrCreate(channelID, s.createLink, channelID)
	if err != nil {
		return nil, false
	}
	return link, true
}

// StatusChanged schedules a topic refresh for the channel of serverID.
func (s *Service) StatusChanged(serverID string) {
	if link, ok := s.Link(serverID); ok {
		link.ScheduleTopic()
	}
}

// Output forwards game output and operator commands to the bound channel.
func (s *Service) Output(msg server.ControlMessage) {
	switch msg.Type {
	case server.MessageOutput, server.MessageControl:
	default:
		return
	}
	if link, ok := s.Link(msg.ServerID); ok {
		link.AddLine(msg.Text)
	}
}

// Close releases every binding.
func (s *Service) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Detach(id)
	}
}
