package session

import "context"

type EventKind string

const (
	EventLogin    EventKind = "login"
	EventLogout   EventKind = "logout"
	EventExpired  EventKind = "expired"
	EventRestored EventKind = "restored"
)

// Event notifies observers that the session changed. Session is zero for
// logout and expiry.
type Event struct {
	Kind    EventKind
	Session Session
}

// Subscribe registers an observer. The channel is closed when ctx ends.
func (s *Store) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 8)

	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) publish(evt Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow observer; it can re-read Current()
		}
	}
}
