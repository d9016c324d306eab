package lighthouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"stringcomm/internal/domain"
)

// Client talks to a lighthouse over HTTP.
type Client struct {
	Base string
	HTTP *http.Client
	// Retries is how many times a transient storage failure is retried.
	Retries int
	// Now stamps request proofs.
	Now func() time.Time
}

func NewClient(base string) *Client {
	return &Client{
		Base:    strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Retries: 2,
		Now:     time.Now,
	}
}

// Register creates or refreshes our endpoint. An empty ip lets the
// lighthouse use the address it sees.
func (c *Client) Register(ctx context.Context, ip string, port int) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.retry(ctx, func() error {
		return c.post(ctx, "/register", RegisterRequest{IP: ip, Port: port}, &out)
	})
	return out, err
}

// Attach publishes id's public key at endpoint. token is the one Register
// returned; it may be empty when id is already attached there.
func (c *Client) Attach(ctx context.Context, endpoint uuid.UUID, token string, id domain.Identity) error {
	return c.post(ctx, "/attach", AttachRequest{
		EndpointID: endpoint,
		Token:      token,
		Proof:      Prove(id, OpAttach, endpoint, c.Now()),
	}, nil)
}

// RequestConnection asks the owner of target to dial us at ip:port.
func (c *Client) RequestConnection(ctx context.Context, target uuid.UUID, ip string, port int, fingerprint string) error {
	return c.post(ctx, "/connect", ConnectRequest{Target: target, IP: ip, Port: port, Fingerprint: fingerprint}, nil)
}

// ListConnections consumes the connection requests waiting at endpoint.
func (c *Client) ListConnections(ctx context.Context, endpoint uuid.UUID, id domain.Identity) ([]PendingConnection, error) {
	var out ListConnsResponse
	err := c.post(ctx, "/listconns", ListConnsRequest{
		EndpointID: endpoint,
		Proof:      Prove(id, OpListConns, endpoint, c.Now()),
	}, &out)
	return out.Connections, err
}

func (c *Client) Lookup(ctx context.Context, fingerprint string) (Location, error) {
	var out Location
	err := c.post(ctx, "/lookup", LookupRequest{Fingerprint: fingerprint}, &out)
	return out, err
}

func (c *Client) Peers(ctx context.Context) ([]Location, error) {
	var out PeersResponse
	if err := c.getJSON(ctx, "/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// Wipe deletes endpoint and everything attached to it.
func (c *Client) Wipe(ctx context.Context, endpoint uuid.UUID, id domain.Identity) error {
	return c.post(ctx, "/wipe", WipeRequest{
		EndpointID: endpoint,
		Proof:      Prove(id, OpWipe, endpoint, c.Now()),
	}, nil)
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		var se *StorageError
		if err == nil || attempt >= c.Retries || !errors.As(err, &se) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(req, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// responseError maps an error status back onto the package's sentinels.
func responseError(req *http.Request, resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body)
	detail := fmt.Sprintf("lighthouse %s %s: %s", req.Method, req.URL.Path, resp.Status)
	if body.Error != "" {
		detail += ": " + body.Error
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w (%s)", ErrInvalid, detail)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w (%s)", ErrUnauthorized, detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w (%s)", ErrNotFound, detail)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w (%s)", ErrRateLimited, detail)
	case http.StatusServiceUnavailable:
		return &StorageError{Op: req.URL.Path, Err: errors.New(detail)}
	default:
		return errors.New(detail)
	}
}
