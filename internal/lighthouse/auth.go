package lighthouse

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
)

// Operations that require a Proof.
const (
	OpAttach    = "attach"
	OpListConns = "listconns"
	OpWipe      = "wipe"
)

// Proof shows that the caller holds the identity in Pubkey at Timestamp.
type Proof struct {
	Pubkey    []byte `json:"pubkey"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

func proofMessage(op string, endpoint uuid.UUID, pubkey []byte, ts int64) []byte {
	return []byte("string-lighthouse|" + op + "|" + endpoint.String() + "|" +
		hex.EncodeToString(pubkey) + "|" + strconv.FormatInt(ts, 10))
}

// Prove signs op on endpoint with id.
func Prove(id domain.Identity, op string, endpoint uuid.UUID, now time.Time) Proof {
	pub := id.Public().Bytes()
	ts := now.Unix()
	return Proof{
		Pubkey:    pub,
		Timestamp: ts,
		Signature: crypto.SignEd25519(id.EdPriv, proofMessage(op, endpoint, pub, ts)),
	}
}

// Authorize checks p for op on endpoint and returns the signer's
// fingerprint. The signer must already be attached to the endpoint; a first
// attach goes through AuthorizeAttach.
func (s *Service) Authorize(ctx context.Context, op string, endpoint uuid.UUID, p Proof) (string, error) {
	fp, err := s.verify(op, endpoint, p)
	if err != nil {
		return "", err
	}
	attached, err := s.attached(ctx, endpoint, fp)
	if err != nil {
		return "", err
	}
	if !attached {
		return "", fmt.Errorf("%w: %s is not attached to %s", ErrUnauthorized, fp, endpoint)
	}
	return fp, nil
}

// AuthorizeAttach checks an attach request. Identities already attached to
// endpoint may refresh their key with any token; anyone else must present
// the token handed out when the endpoint was registered.
func (s *Service) AuthorizeAttach(ctx context.Context, endpoint uuid.UUID, token string, p Proof) (string, error) {
	fp, err := s.verify(OpAttach, endpoint, p)
	if err != nil {
		return "", err
	}
	attached, err := s.attached(ctx, endpoint, fp)
	if err != nil || attached {
		return fp, err
	}
	e, err := s.store.Endpoint(ctx, endpoint)
	if err != nil {
		return "", err
	}
	if token == "" || len(e.TokenHash) == 0 || subtle.ConstantTimeCompare(hashToken(token), e.TokenHash) != 1 {
		return "", fmt.Errorf("%w: %s may not attach to %s", ErrUnauthorized, fp, endpoint)
	}
	return fp, nil
}

func (s *Service) verify(op string, endpoint uuid.UUID, p Proof) (string, error) {
	pub, err := domain.ParsePublicIdentity(p.Pubkey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	skew := s.now().Sub(time.Unix(p.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.ClockSkew {
		return "", fmt.Errorf("%w: timestamp off by %s", ErrUnauthorized, skew.Truncate(time.Second))
	}
	if !crypto.VerifyEd25519(pub.Ed, proofMessage(op, endpoint, p.Pubkey, p.Timestamp), p.Signature) {
		return "", fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return crypto.FingerprintOf(pub), nil
}

func (s *Service) attached(ctx context.Context, endpoint uuid.UUID, fp string) (bool, error) {
	keys, err := s.store.EndpointKeys(ctx, endpoint)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k.Fingerprint == fp {
			return true, nil
		}
	}
	return false, nil
}

// newToken returns a registration token and the hash the store keeps.
func newToken() (string, []byte, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, err
	}
	tok := hex.EncodeToString(raw[:])
	return tok, hashToken(tok), nil
}

func hashToken(tok string) []byte {
	sum := sha256.Sum256([]byte(tok))
	return sum[:]
}
