package sublist

import (
	"encoding/json"
	"sync"

	"nuha.dev/gpsgateway/internal/gateway/device"
)

// Subscriber receives encoded reports. Push must not block; it returns true
// once the subscriber is gone so the list can drop it.
type Subscriber interface {
	Push(d []byte) (closed bool)
}

type Sublist struct {
	mu   sync.Mutex
	list map[Subscriber]bool
}

func NewSublist() *Sublist {
	return &Sublist{list: make(map[Subscriber]bool)}
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Broadcast pushes r to every subscriber, dropping those that report closed.
func (s *Sublist) Broadcast(r device.Report) {
	d, err := json.Marshal(r)
	if err != nil {
		return
	}
	s.Send(d)
}

// Send pushes an already encoded payload.
func (s *Sublist) Send(d []byte) {
	s.mu.Lock()
	for sub := range s.list {
		closed := sub.Push(d)
		if closed {
			delete(s.list, sub)
		}
	}
	s.mu.Unlock()
}
