package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"stringcomm/internal/domain"
)

const (
	channelsFilename = "channels.json"
	messagesDir      = "messages"
)

// ErrUnknownChannel is returned when a message names a channel that was
// never created.
var ErrUnknownChannel = errors.New("store: unknown channel")

// MessageFileStore keeps chat history as one JSON file per channel, each
// holding messages ordered by timestamp.
type MessageFileStore struct {
	dir string
	mu  sync.Mutex
}

func NewMessageFileStore(dir string) *MessageFileStore {
	return &MessageFileStore{dir: dir}
}

// CreateChannel registers c. Creating an existing channel is a no-op.
func (s *MessageFileStore) CreateChannel(c domain.Channel) error {
	if c.ID == "" || strings.ContainsAny(c.ID, `/\`) {
		return fmt.Errorf("store: invalid channel id %q", c.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chans, err := s.channels()
	if err != nil {
		return err
	}
	if _, ok := chans[c.ID]; ok {
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	chans[c.ID] = c
	return writeJSON(filepath.Join(s.dir, channelsFilename), chans)
}

// ListChannels returns channels oldest first.
func (s *MessageFileStore) ListChannels() ([]domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans, err := s.channels()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Channel, 0, len(chans))
	for _, c := range chans {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Channel) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// SaveMessage inserts m in timestamp order. A message whose ID is already
// stored in the channel is ignored.
func (s *MessageFileStore) SaveMessage(m domain.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans, err := s.channels()
	if err != nil {
		return err
	}
	if _, ok := chans[m.ChannelID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, m.ChannelID)
	}
	msgs, err := s.messages(m.ChannelID)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(msgs, func(x domain.StoredMessage) bool { return x.ID == m.ID }) {
		return nil
	}
	i, _ := slices.BinarySearchFunc(msgs, m, byTimestamp)
	// equal timestamps keep arrival order
	for i < len(msgs) && !msgs[i].Timestamp.After(m.Timestamp) {
		i++
	}
	msgs = slices.Insert(msgs, i, m)
	return writeJSON(s.messagesPath(m.ChannelID), msgs)
}

// ListMessages returns the channel's messages ordered by timestamp.
func (s *MessageFileStore) ListMessages(channelID string) ([]domain.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans, err := s.channels()
	if err != nil {
		return nil, err
	}
	if _, ok := chans[channelID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return s.messages(channelID)
}

func (s *MessageFileStore) channels() (map[string]domain.Channel, error) {
	chans := map[string]domain.Channel{}
	if err := readJSON(filepath.Join(s.dir, channelsFilename), &chans); err != nil {
		return nil, err
	}
	return chans, nil
}

func (s *MessageFileStore) messages(channelID string) ([]domain.StoredMessage, error) {
	var msgs []domain.StoredMessage
	if err := readJSON(s.messagesPath(channelID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MessageFileStore) messagesPath(channelID string) string {
	return filepath.Join(s.dir, messagesDir, channelID+".json")
}

func byTimestamp(a, b domain.StoredMessage) int { return a.Timestamp.Compare(b.Timestamp) }

var _ domain.MessageStore = (*MessageFileStore)(nil)
