package lighthouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBody = 64 << 10

// API request and response bodies.
type (
	RegisterRequest struct {
		// IP defaults to the address the request came from.
		IP   string `json:"ip,omitempty"`
		Port int    `json:"port"`
	}
	RegisterResponse struct {
		ID         uuid.UUID `json:"id"`
		ObservedIP string    `json:"observed_ip"`
		// Token is set while the endpoint has no identity attached.
		Token string `json:"token,omitempty"`
	}
	AttachRequest struct {
		EndpointID uuid.UUID `json:"endpoint_id"`
		Token      string    `json:"token,omitempty"`
		Proof      Proof     `json:"proof"`
	}
	ConnectRequest struct {
		Target      uuid.UUID `json:"target"`
		IP          string    `json:"ip,omitempty"`
		Port        int       `json:"port"`
		Fingerprint string    `json:"fingerprint"`
	}
	ListConnsRequest struct {
		EndpointID uuid.UUID `json:"endpoint_id"`
		Proof      Proof     `json:"proof"`
	}
	ListConnsResponse struct {
		Connections []PendingConnection `json:"connections"`
	}
	LookupRequest struct {
		Fingerprint string `json:"fingerprint"`
	}
	PeersResponse struct {
		Peers []Location `json:"peers"`
	}
	WipeRequest struct {
		EndpointID uuid.UUID `json:"endpoint_id"`
		Proof      Proof     `json:"proof"`
	}
	errorResponse struct {
		Error string `json:"error"`
	}
)

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	// RateLimit is the sustained per-client request rate. Zero disables
	// limiting.
	RateLimit rate.Limit
	Burst     int
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type api struct {
	svc     *Service
	limit   *limiter
	metrics *Metrics
	log     *zap.Logger
}

// NewHandler exposes svc as a JSON HTTP API.
func NewHandler(svc *Service, opts HandlerOptions, m *Metrics, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	a := &api{svc: svc, metrics: m, log: log.Named("http")}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		a.limit = newLimiter(opts.RateLimit, burst, 0)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("POST /register", a.route("register", a.register))
	mux.Handle("POST /attach", a.route("attach", a.attach))
	mux.Handle("POST /connect", a.route("connect", a.connect))
	mux.Handle("POST /listconns", a.route("listconns", a.listConns))
	mux.Handle("POST /lookup", a.route("lookup", a.lookup))
	mux.Handle("GET /peers", a.route("peers", a.peers))
	mux.Handle("POST /wipe", a.route("wipe", a.wipe))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) (any, error)

func (a *api) route(name string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		defer func() { a.metrics.RecordRequest(name, strconv.Itoa(code)) }()

		if !a.limit.allow(clientIP(r)) {
			a.metrics.RecordRateLimited()
			code = http.StatusTooManyRequests
			writeJSON(w, code, errorResponse{Error: ErrRateLimited.Error()})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		out, err := h(w, r)
		if err != nil {
			code = statusFor(err)
			if code >= http.StatusInternalServerError {
				a.log.Warn("request failed", zap.String("route", name), zap.Error(err))
			} else {
				a.log.Debug("request rejected", zap.String("route", name), zap.Error(err))
			}
			writeJSON(w, code, errorResponse{Error: err.Error()})
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			code = http.StatusNoContent
			return
		}
		writeJSON(w, code, out)
	})
}

func (a *api) register(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	observed := clientIP(r)
	if req.IP == "" {
		req.IP = observed
	}
	reg, err := a.svc.Register(r.Context(), req.IP, req.Port)
	if err != nil {
		return nil, err
	}
	return RegisterResponse{ID: reg.ID, ObservedIP: observed, Token: reg.Token}, nil
}

func (a *api) attach(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req AttachRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if _, err := a.svc.AuthorizeAttach(r.Context(), req.EndpointID, req.Token, req.Proof); err != nil {
		return nil, err
	}
	return nil, a.svc.AttachPubkey(r.Context(), req.EndpointID, req.Proof.Pubkey)
}

func (a *api) connect(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req ConnectRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}
	return nil, a.svc.RequestConnection(r.Context(), req.Target, req.IP, req.Port, req.Fingerprint)
}

func (a *api) listConns(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req ListConnsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if _, err := a.svc.Authorize(r.Context(), OpListConns, req.EndpointID, req.Proof); err != nil {
		return nil, err
	}
	conns, err := a.svc.ListConnections(r.Context(), req.EndpointID)
	if err != nil {
		return nil, err
	}
	if conns == nil {
		conns = []PendingConnection{}
	}
	return ListConnsResponse{Connections: conns}, nil
}

func (a *api) lookup(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req LookupRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.svc.Lookup(r.Context(), req.Fingerprint)
}

func (a *api) peers(_ http.ResponseWriter, r *http.Request) (any, error) {
	peers, err := a.svc.Peers(r.Context())
	if err != nil {
		return nil, err
	}
	if peers == nil {
		peers = []Location{}
	}
	return PeersResponse{Peers: peers}, nil
}

func (a *api) wipe(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req WipeRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if _, err := a.svc.Authorize(r.Context(), OpWipe, req.EndpointID, req.Proof); err != nil {
		return nil, err
	}
	return nil, a.svc.DeleteEndpoint(r.Context(), req.EndpointID)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	var se *StorageError
	switch {
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &se):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
