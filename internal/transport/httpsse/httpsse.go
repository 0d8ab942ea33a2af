// Package httpsse implements the HTTP+SSE transport binding (spec.md
// §4.G): POST /rpc for request/response, GET /sse for server-pushed
// notifications with periodic heartbeats, and GET /health for liveness.
//
// Grounded on the shape of the teacher's NewHTTPServer
// (_examples/viant-agently/internal/mcp/expose/http_server.go): construct
// an *http.Server without starting it, let the caller own
// ListenAndServe/shutdown.
package httpsse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcpforge/coreserver/internal/auth"
	"github.com/mcpforge/coreserver/internal/dispatcher"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/rpcerr"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	heartbeatInterval = 15 * time.Second
	slowClientBacklog = 30 * time.Second
	sseQueueDepth      = 64
)

// Server wires the Dispatcher to net/http. It does not call
// ListenAndServe itself — cmd/mcpserver owns the listener lifecycle so it
// can coordinate graceful shutdown across both transports.
type Server struct {
	dispatch *dispatcher.Dispatcher
	reg      *registry.Registry
	sessions *session.Store
	verifier auth.Verifier
	log      *logrus.Entry

	mu   sync.Mutex
	subs map[string]*subscriber // sessionId -> subscriber

	startedAt time.Time
}

// New builds an http.Handler exposing /rpc, /sse and /health. verifier is
// the same AuthVerifier collaborator handed to the dispatcher — the HTTP
// transport checks the Authorization header at the edge (spec.md §4.G/H)
// rather than leaving it to be re-derived from the JSON-RPC body.
func New(dispatch *dispatcher.Dispatcher, reg *registry.Registry, sessions *session.Store, verifier auth.Verifier, log *logrus.Entry) *Server {
	if verifier == nil {
		verifier = auth.Anonymous{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{dispatch: dispatch, reg: reg, sessions: sessions, verifier: verifier, log: log, subs: map[string]*subscriber{}, startedAt: time.Now()}
}

// Handler returns the composed http.Handler for mounting or ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

type subscriber struct {
	queue  chan []byte
	closed chan struct{}
}

// authenticate extracts and verifies the bearer credential required of
// every non-health request (spec.md §6). On success it returns a context
// carrying the verified principal/capabilities (auth.WithPrincipal) so
// the dispatcher's initialize handler does not re-verify it; on failure
// it writes the JSON-RPC "Unauthorized" envelope spec.md §6 mandates,
// with HTTP status 401, and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		s.writeUnauthorized(w, "missing bearer credential")
		return nil, false
	}
	principal, caps, err := s.verifier.Verify(r.Context(), header)
	if err != nil {
		s.writeUnauthorized(w, "invalid bearer credential")
		return nil, false
	}
	return auth.WithPrincipal(r.Context(), principal, caps), true
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(dispatcher.Response{
		JSONRPC: "2.0",
		Error:   &dispatcher.ErrorObject{Code: rpcerr.Code(rpcerr.Unauthorized), Message: message},
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	resp := s.dispatch.Handle(ctx, body)
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleSSE opens a push stream for sessionId, delivering the payloads
// queued for it by Publish, with a 15s heartbeat and a
// bounded per-connection queue (spec.md §5, "slow clients disconnected
// after 30s of backlog").
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := &subscriber{queue: make(chan []byte, sseQueueDepth), closed: make(chan struct{})}
	s.mu.Lock()
	s.subs[sessionID] = sub
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sessionID)
		s.mu.Unlock()
		close(sub.closed)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var lastSent time.Time
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if len(sub.queue) > 0 && !lastSent.IsZero() && time.Since(lastSent) > slowClientBacklog {
				s.log.WithField("sessionId", sessionID).Warn("sse: disconnecting slow client")
				return
			}
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.queue:
			if !ok {
				return
			}
			// spec.md §6: every pushed envelope carries an explicit "message"
			// event name ahead of its data line.
			if _, err := w.Write(append(append([]byte("event: message\ndata: "), msg...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
			lastSent = time.Now()
		}
	}
}

// Publish pushes a notification payload to sessionId's SSE stream, if one
// is open. It never blocks the caller: a full queue drops the message and
// logs a warning rather than stalling the invocation engine.
func (s *Server) Publish(sessionID string, payload interface{}) {
	s.mu.Lock()
	sub, ok := s.subs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case sub.queue <- data:
	default:
		s.log.WithField("sessionId", sessionID).Warn("sse: dropping notification, queue full")
	}
}

type healthResponse struct {
	Status   string    `json:"status"`
	Sessions int       `json:"sessions"`
	UptimeS  int64     `json:"uptime_s"`
	Registry regCounts `json:"registry"`
	Warnings []string  `json:"warnings,omitempty"`
}

type regCounts struct {
	Tools     int `json:"tools"`
	Prompts   int `json:"prompts"`
	Resources int `json:"resources"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tools, prompts, resources := s.reg.Counts()
	status := "ok"
	warnings := s.reg.Warnings()
	if len(warnings) > 0 {
		status = "degraded"
	}
	resp := healthResponse{
		Status:   status,
		Sessions: s.sessions.Count(),
		UptimeS:  int64(time.Since(s.startedAt).Seconds()),
		Registry: regCounts{Tools: tools, Prompts: prompts, Resources: resources},
		Warnings: warnings,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
