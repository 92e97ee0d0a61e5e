package manager

import (
	"log/slog"
	"sync"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

// subscriberBuffer is the channel capacity of one subscriber. A subscriber
// that falls this far behind misses messages.
const subscriberBuffer = 256

type subscriber struct {
	serverID string
	ch       chan server.ControlMessage
}

// subscribers fans messages out without blocking the publisher.
type subscribers struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[*subscriber]struct{})}
}

func (s *subscribers) add(serverID string) (<-chan server.ControlMessage, func()) {
	sub := &subscriber{serverID: serverID, ch: make(chan server.ControlMessage, subscriberBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { s.remove(sub) })
	}
}

func (s *subscribers) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *subscribers) publish(msg server.ControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.serverID != "" && sub.serverID != msg.ServerID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			logging.Aggregate(logging.CompManager, "subscriber_dropped",
				slog.String("server_id", msg.ServerID))
		}
	}
}

// closeServer ends the streams of one server.
func (s *subscribers) closeServer(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.serverID == serverID {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}
