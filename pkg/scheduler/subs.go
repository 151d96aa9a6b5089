package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Subscriptions is the persisted set of streams the agent explicitly
// listens to, beyond the built-in chat and kill-switch streams.
type Subscriptions struct {
	path string

	mu  sync.Mutex
	set map[string]struct{}
}

func LoadSubscriptions(path string) *Subscriptions {
	s := &Subscriptions{path: path, set: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var channels []string
	if err := json.Unmarshal(data, &channels); err != nil {
		return s
	}
	for _, ch := range channels {
		s.set[ch] = struct{}{}
	}
	return s
}

func (s *Subscriptions) Subscribe(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[channel] = struct{}{}
	return s.persistLocked()
}

func (s *Subscriptions) Unsubscribe(channel string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[channel]; !ok {
		return false, nil
	}
	delete(s.set, channel)
	return true, s.persistLocked()
}

func (s *Subscriptions) Contains(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[channel]
	return ok
}

func (s *Subscriptions) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for ch := range s.set {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *Subscriptions) persistLocked() error {
	channels := make([]string, 0, len(s.set))
	for ch := range s.set {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist subscriptions: %w", err)
	}
	return nil
}
