package domain

import "time"

// IdentityStore persists your long-term identity keys.
type IdentityStore interface {
	SaveIdentity(passphrase string, id Identity) error
	LoadIdentity(passphrase string) (Identity, error)
}

// Channel is a named conversation.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredMessage is a delivered chat message as persisted locally.
type StoredMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Outgoing  bool      `json:"outgoing,omitempty"`
}

// MessageStore keeps chat history keyed by (channel, timestamp).
type MessageStore interface {
	CreateChannel(c Channel) error
	ListChannels() ([]Channel, error)
	SaveMessage(m StoredMessage) error
	// ListMessages returns a channel's messages ordered by timestamp.
	ListMessages(channelID string) ([]StoredMessage, error)
}

// KeyStore remembers peers' public identities across restarts.
type KeyStore interface {
	SaveKey(fingerprint string, pub PublicIdentity) error
	LoadKeys() (map[string]PublicIdentity, error)
}
