package bridge

import (
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// sessionHeader carries the per-connection session identifier over HTTP so
// that the stateless transport preserves per-connection handshake semantics.
const sessionHeader = "Mcp-Session-Id"

// maxBodySize bounds a single request body.
const maxBodySize = 4 << 20

// HTTPHandler adapts the Server to an HTTP POST endpoint.
//
// HTTP has no connection identity of its own, so the handler assigns a session
// id once a connection completes initialize and returns it in the
// Mcp-Session-Id response header; clients echo it on subsequent requests.
// Connections that never initialize are discarded with the request, so the
// session table only holds handshaken sessions. A request naming an unknown
// session gets 404, matching streamable-HTTP convention.
func (s *Server) HTTPHandler() http.Handler {
	h := &httpBinding{
		server: s,
		conns:  make(map[string]*Conn),
	}
	return h
}

type httpBinding struct {
	server *Server

	mu    sync.Mutex
	conns map[string]*Conn
}

func (h *httpBinding) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	conn, ok := h.conn(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	resp := h.server.HandleRaw(r.Context(), conn, body)

	if sessionID == "" && conn.Initialized() {
		sessionID = h.persist(conn)
	}
	if sessionID != "" {
		w.Header().Set(sessionHeader, sessionID)
	}
	if resp == nil {
		// Notification: acknowledged, never answered.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

// conn maps a session header to its Conn. An absent header gets a fresh
// connection that lives for this request only unless it initializes; an
// unknown id fails.
func (h *httpBinding) conn(sessionID string) (*Conn, bool) {
	if sessionID == "" {
		return &Conn{}, true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[sessionID]
	return conn, ok
}

// persist stores an initialized connection under a fresh session id.
func (h *httpBinding) persist(conn *Conn) string {
	sessionID := uuid.NewString()
	h.mu.Lock()
	h.conns[sessionID] = conn
	h.mu.Unlock()
	return sessionID
}
