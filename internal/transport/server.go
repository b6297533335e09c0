// Package transport serves the ingestion service over a WebSocket event
// channel. Every request frame names an event and carries its arguments,
// including the session token, and every reply is sent on the same event.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/blob"
	"github.com/invoicecat/invoicecat/internal/ingest"
	"github.com/invoicecat/invoicecat/internal/logging"
)

const (
	writeWait        = 10 * time.Second
	defaultReadLimit = 8 << 20

	// EventError carries replies to frames that name no known event.
	EventError = "error"
)

// Service is the ingestion surface the transport exposes.
type Service interface {
	Upload(ctx context.Context, owner string, req ingest.UploadRequest) (*ingest.UploadResult, error)
	List(ctx context.Context, owner string) ([]ingest.FileEntry, error)
	Process(ctx context.Context, owner, fileID string) (*ingest.ProcessResult, error)
	Get(ctx context.Context, owner, fileID string, sink func(blob.Chunk) error) error
	Delete(ctx context.Context, owner, fileID string) error
}

// Verifier resolves a session token to its user.
type Verifier interface {
	Verify(token string) (string, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type handlerFunc func(ctx context.Context, c *conn, data json.RawMessage) (payload, error)

// Server upgrades HTTP requests to WebSocket connections and dispatches
// their frames to the ingestion service.
type Server struct {
	svc       Service
	auth      Verifier
	health    Pinger
	origins   []string
	readLimit int64
	log       *zap.Logger

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithAllowedOrigins restricts the origins allowed to connect. An empty list
// or "*" allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithReadLimit caps the size of an incoming frame.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithHealthCheck sets the dependency pinged by /healthz.
func WithHealthCheck(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

// NewServer creates a Server.
func NewServer(svc Service, auth Verifier, opts ...Option) *Server {
	s := &Server{svc: svc, auth: auth, readLimit: defaultReadLimit}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = map[string]handlerFunc{
		"upload":  s.handleUpload,
		"list":    s.handleList,
		"process": s.handleProcess,
		"get":     s.handleGet,
		"delete":  s.handleDelete,
	}
	return s
}

// RegisterRoutes registers the WebSocket and health endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return originAllowed(s.origins, origin)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// conn serialises writes to one WebSocket connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type reply struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (c *conn) send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(reply{Event: event, Data: data})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.readLimit)

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Debug("connection opened")
	c := &conn{ws: ws}
	ctx := r.Context()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("connection closed", zap.Error(err))
			} else {
				log.Debug("connection closed", zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			err = apperr.Wrap(apperr.InvalidArgument, err, "malformed frame")
			if serr := c.send(EventError, failure(err)); serr != nil {
				return
			}
			continue
		}
		if err := s.dispatch(ctx, c, f); err != nil {
			log.Debug("reply failed", zap.String("event", f.Event), zap.Error(err))
			return
		}
	}
}

// dispatch runs one request to completion. The returned error is a write
// failure; request failures are replied to the client.
func (s *Server) dispatch(ctx context.Context, c *conn, f frame) error {
	h, ok := s.handlers[f.Event]
	if !ok {
		return c.send(EventError, failure(apperr.Invalid("unknown event %q", f.Event)))
	}

	p, err := h(ctx, c, f.Data)
	if err != nil {
		var we *writeError
		if errors.As(err, &we) {
			return we.err
		}
		s.logFailure(f.Event, err)
		return c.send(f.Event, failure(err))
	}
	return c.send(f.Event, p)
}

func (s *Server) logFailure(event string, err error) {
	switch apperr.KindOf(err) {
	case apperr.StorageError, apperr.ExternalJobError, apperr.Unknown:
		s.log.Error("request failed", zap.String("event", event), zap.Error(err))
	default:
		s.log.Debug("request rejected", zap.String("event", event), zap.Error(err))
	}
}
