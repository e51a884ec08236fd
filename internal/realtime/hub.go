// Package realtime pushes artifact updates to connected websocket clients.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/writgo/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

const heartbeatInterval = 30 * time.Second

// Resolver authenticates the websocket upgrade request.
type Resolver interface {
	Resolve(r *http.Request) (models.Identity, error)
}

// Event is the message sent over the socket.
type Event struct {
	Type      string           `json:"type"`
	AccountID string           `json:"accountId"`
	Artifact  *models.Artifact `json:"artifact,omitempty"`
	At        string           `json:"at"`
}

type Hub struct {
	mu      sync.Mutex
	conns   map[string]map[*websocket.Conn]struct{}
	origins map[string]struct{} // nil allows any origin
	logger  *logrus.Logger
	onCount func(total int)
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// OnCount registers a callback invoked with the total client count after
// every connect or disconnect.
func (h *Hub) OnCount(fn func(total int)) {
	h.mu.Lock()
	h.onCount = fn
	h.mu.Unlock()
}

// AllowOrigins restricts websocket upgrades to the given browser origins.
// An empty list or "*" allows any origin.
func (h *Hub) AllowOrigins(origins []string) {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			allowed = nil
			break
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		allowed = nil
	}
	h.mu.Lock()
	h.origins = allowed
	h.mu.Unlock()
}

// checkOrigin rejects cross-site upgrades from browsers. Requests without an
// Origin header come from non-browser clients and rely on the session alone.
func (h *Hub) checkOrigin(r *http.Request) error {
	origin := strings.ToLower(strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/"))
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.origins == nil || origin == "" {
		return nil
	}
	if _, ok := h.origins[origin]; !ok {
		return fmt.Errorf("realtime: origin %q not allowed", origin)
	}
	return nil
}

func (h *Hub) add(accountID string, c *websocket.Conn) {
	if c == nil || strings.TrimSpace(accountID) == "" {
		return
	}
	h.mu.Lock()
	m := h.conns[accountID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[accountID] = m
	}
	m[c] = struct{}{}
	total, fn := h.totalLocked(), h.onCount
	h.mu.Unlock()
	if fn != nil {
		fn(total)
	}
}

func (h *Hub) remove(accountID string, c *websocket.Conn) {
	if c == nil || strings.TrimSpace(accountID) == "" {
		return
	}
	h.mu.Lock()
	m := h.conns[accountID]
	if m == nil {
		h.mu.Unlock()
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, accountID)
	}
	total, fn := h.totalLocked(), h.onCount
	h.mu.Unlock()
	if fn != nil {
		fn(total)
	}
}

func (h *Hub) totalLocked() int {
	n := 0
	for _, m := range h.conns {
		n += len(m)
	}
	return n
}

// Count returns the number of sockets open for an account.
func (h *Hub) Count(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[accountID])
}

func (h *Hub) broadcast(accountID string, msg []byte) {
	if strings.TrimSpace(accountID) == "" || len(msg) == 0 {
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[accountID]))
	for c := range h.conns[accountID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(accountID, c)
		}
	}
}

// Emit sends ev to every socket of its account.
func (h *Hub) Emit(ev Event) {
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).WithField("account_id", ev.AccountID).Error("realtime marshal failed")
		return
	}
	h.broadcast(ev.AccountID, b)
}

// ArtifactUpdated implements the pipeline notifier.
func (h *Hub) ArtifactUpdated(a models.Artifact) {
	if h.Count(a.AccountID) == 0 {
		return
	}
	a.Content = ""
	h.logger.WithFields(logrus.Fields{
		"account_id":  a.AccountID,
		"artifact_id": a.ID,
		"status":      a.Status,
	}).Debug("realtime emit")
	h.Emit(Event{Type: "artifact.updated", AccountID: a.AccountID, Artifact: &a})
}

// Handler serves /api/events/ws. The session is resolved from the upgrade
// request's bearer token or cookie.
func (h *Hub) Handler(resolver Resolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := resolver.Resolve(r)
		if err != nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		if err := h.checkOrigin(r); err != nil {
			h.logger.WithError(err).WithField("account_id", id.AccountID).Warn("realtime upgrade rejected")
			http.Error(w, `{"error":"origin not allowed"}`, http.StatusForbidden)
			return
		}
		srv := websocket.Server{
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler: func(c *websocket.Conn) {
				h.serve(id.AccountID, c)
			},
		}
		srv.ServeHTTP(w, r)
	})
}

func (h *Hub) serve(accountID string, c *websocket.Conn) {
	log := h.logger.WithField("account_id", accountID)
	log.Info("realtime connect")
	h.add(accountID, c)
	defer h.remove(accountID, c)
	defer log.Info("realtime disconnect")

	hello, _ := json.Marshal(Event{Type: "hello", AccountID: accountID, At: time.Now().UTC().Format(time.RFC3339)})
	_ = websocket.Message.Send(c, string(hello))

	done := make(chan struct{})
	var doneOnce sync.Once
	closeDone := func() { doneOnce.Do(func() { close(done) }) }
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				b, _ := json.Marshal(Event{Type: "ping", AccountID: accountID, At: now.UTC().Format(time.RFC3339)})
				if err := websocket.Message.Send(c, string(b)); err != nil {
					closeDone()
					return
				}
			}
		}
	}()

	for {
		var ignored string
		if err := websocket.Message.Receive(c, &ignored); err != nil {
			closeDone()
			return
		}
	}
}
