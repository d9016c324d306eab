package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stringcomm/internal/domain"
	"stringcomm/internal/gossip"
	"stringcomm/internal/wire"
)

// ErrEmptyMessage reports a Send without content.
var ErrEmptyMessage = errors.New("node: empty message")

// Send stores a message in channelID and floods it to the mesh. The message
// is kept locally even when no peer can take it; in that case a
// NotConnected event is emitted and ErrNotConnected returned.
func (n *Node) Send(ctx context.Context, channelID, content string) (domain.StoredMessage, error) {
	if strings.TrimSpace(content) == "" {
		return domain.StoredMessage{}, ErrEmptyMessage
	}
	if _, err := n.CreateChannel(channelID); err != nil {
		return domain.StoredMessage{}, err
	}
	msg := &wire.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Username:  n.cfg.Name,
		Content:   content,
		TimeSent:  time.Now().UTC(),
	}
	stored := domain.StoredMessage{
		ID:        msg.ID,
		ChannelID: channelID,
		Author:    n.cfg.Name,
		Content:   content,
		Timestamp: msg.TimeSent,
		Outgoing:  true,
	}
	if err := n.msgs.SaveMessage(stored); err != nil {
		return domain.StoredMessage{}, fmt.Errorf("node: store message: %w", err)
	}

	if _, err := n.router.Broadcast(ctx, msg); err != nil {
		if errors.Is(err, gossip.ErrNoRoute) {
			n.events.push(NotConnected{ChannelID: channelID, MessageID: msg.ID})
			return stored, ErrNotConnected
		}
		return stored, err
	}
	return stored, nil
}

// CreateChannel makes channel id known locally. Channels are identified by
// name across the mesh, so creating one twice is harmless.
func (n *Node) CreateChannel(id string) (domain.Channel, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Channel{}, errors.New("node: empty channel name")
	}
	c := domain.Channel{ID: id, Name: id, CreatedAt: time.Now().UTC()}
	if err := n.msgs.CreateChannel(c); err != nil {
		return domain.Channel{}, err
	}
	return c, nil
}

func (n *Node) ListChannels() ([]domain.Channel, error) { return n.msgs.ListChannels() }

// ListMessages returns channelID's history ordered by timestamp.
func (n *Node) ListMessages(channelID string) ([]domain.StoredMessage, error) {
	return n.msgs.ListMessages(channelID)
}

// receiveMessage persists a message from another peer and tells the UI.
func (n *Node) receiveMessage(m *wire.Message) {
	log := n.log.With(zap.String("id", m.ID), zap.String("channel", m.ChannelID))
	if _, err := n.CreateChannel(m.ChannelID); err != nil {
		log.Warn("message for unusable channel dropped", zap.Error(err))
		return
	}
	err := n.msgs.SaveMessage(domain.StoredMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Author:    m.Username,
		Content:   m.Content,
		Timestamp: m.TimeSent,
	})
	if err != nil {
		log.Warn("store message failed", zap.Error(err))
	}
	n.events.push(MessageReceived{
		ID:        m.ID,
		Author:    m.Username,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Sent:      m.TimeSent,
	})
}
