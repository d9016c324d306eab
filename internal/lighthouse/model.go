package lighthouse

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Endpoint is one network-reachable peer process.
type Endpoint struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	IP         string    `gorm:"not null;uniqueIndex:idx_endpoint_addr,priority:1" json:"ip"`
	Port       int       `gorm:"not null;uniqueIndex:idx_endpoint_addr,priority:2" json:"port"`
	LastUpdate time.Time `gorm:"not null;index" json:"last_update"`
	// TokenHash is the SHA-256 of the registration token that lets a new
	// identity attach.
	TokenHash []byte `json:"-"`

	Pubkeys []Pubkey            `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Pending []PendingConnection `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Addr renders the endpoint as host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Pubkey is an identity reachable at an endpoint.
type Pubkey struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Fingerprint string    `gorm:"not null;uniqueIndex:idx_pubkey_owner,priority:1" json:"fingerprint"`
	EndpointID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_pubkey_owner,priority:2" json:"endpoint_id"`
	Key         []byte    `gorm:"not null" json:"key"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// PendingConnection asks the owner of EndpointID to dial IP:Port, where
// the identity Fingerprint is waiting.
type PendingConnection struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EndpointID  uuid.UUID `gorm:"type:uuid;not null;index" json:"endpoint_id"`
	IP          string    `gorm:"not null" json:"ip"`
	Port        int       `gorm:"not null" json:"port"`
	Fingerprint string    `gorm:"not null" json:"fingerprint"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
}

// Addr renders the requester as host:port.
func (p PendingConnection) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Location is where an identity can currently be reached.
type Location struct {
	Fingerprint string    `json:"fingerprint"`
	EndpointID  uuid.UUID `json:"endpoint_id"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Pubkey      []byte    `json:"pubkey"`
	LastUpdate  time.Time `json:"last_update"`
}

func (l Location) Addr() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

// SweepResult counts the rows a sweep removed.
type SweepResult struct {
	Endpoints int `json:"endpoints"`
	Pubkeys   int `json:"pubkeys"`
	Pending   int `json:"pending"`
}

// Stats counts live rows.
type Stats struct {
	Endpoints int `json:"endpoints"`
	Pubkeys   int `json:"pubkeys"`
	Pending   int `json:"pending"`
}
