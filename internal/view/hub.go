// Package view publishes the client's current view to browsers and other
// watchers over a websocket, plus a small read-only JSON API.
package view

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pefman/broadside/internal/game"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pefman/broadside/internal/stats"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wsMsg struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// StatsSource is anything that can report session statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

type viewer struct {
	ID   string
	mu   sync.Mutex // one writer at a time per connection
	conn *websocket.Conn
}

// Hub fans every rendered view, notification and busy change out to the
// connected viewers. It implements game.Renderer, notify.Notifier and
// gate.Indicator.
type Hub struct {
	stats StatsSource

	mu      sync.Mutex
	viewers map[string]*viewer
	latest  *game.View
	notice  *notify.Entry
}

func NewHub(st StatsSource) *Hub {
	return &Hub{stats: st, viewers: make(map[string]*viewer)}
}

func (h *Hub) Render(v game.View) {
	h.mu.Lock()
	h.latest = &v
	h.mu.Unlock()
	h.broadcast(wsMsg{Type: "state", Data: v})
}

func (h *Hub) Notify(level notify.Level, msg string) {
	e := notify.Entry{Level: level, Message: msg}
	h.mu.Lock()
	h.notice = &e
	h.mu.Unlock()
	h.broadcast(wsMsg{Type: "notice", Data: map[string]string{"level": level.String(), "message": msg}})
}

func (h *Hub) Busy(description string) {
	h.broadcast(wsMsg{Type: "busy", Data: description})
}

func (h *Hub) Idle() {
	h.broadcast(wsMsg{Type: "idle", Data: nil})
}

// Viewers is the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Latest returns the last rendered view.
func (h *Hub) Latest() (game.View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return game.View{}, false
	}
	return *h.latest, true
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	vs := h.viewers
	h.viewers = make(map[string]*viewer)
	h.mu.Unlock()
	for _, v := range vs {
		_ = v.conn.Close()
	}
}

func (h *Hub) broadcast(m wsMsg) {
	h.mu.Lock()
	vs := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		vs = append(vs, v)
	}
	h.mu.Unlock()
	for _, v := range vs {
		h.sendTo(v, m)
	}
}

func (h *Hub) sendTo(v *viewer, m wsMsg) {
	v.mu.Lock()
	err := v.conn.WriteJSON(m)
	v.mu.Unlock()
	if err != nil {
		log.Printf("ws: write error to %s: %v", v.ID, err)
		h.drop(v)
	}
}

func (h *Hub) drop(v *viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v.ID]
	delete(h.viewers, v.ID)
	h.mu.Unlock()
	if ok {
		_ = v.conn.Close()
		log.Printf("ws: closed id=%s", v.ID)
	}
}

// ========================= HTTP =========================

// Router serves the websocket feed and the JSON API.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(withCORS)
	r.HandleFunc("/ws", h.handleWS).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", h.handleState).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint: "+r.URL.Path)
	})
	return r
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	v := &viewer{ID: uuid.NewString(), conn: conn}

	// hold the viewer's write lock until the initial view is out so a
	// concurrent broadcast cannot overtake it
	v.mu.Lock()
	h.mu.Lock()
	h.viewers[v.ID] = v
	latest := h.latest
	notice := h.notice
	h.mu.Unlock()
	log.Printf("ws: connect id=%s from=%s", v.ID, r.RemoteAddr)

	_ = conn.WriteJSON(wsMsg{Type: "you", Data: map[string]string{"id": v.ID}})
	if latest != nil {
		_ = conn.WriteJSON(wsMsg{Type: "state", Data: *latest})
	}
	if notice != nil {
		_ = conn.WriteJSON(wsMsg{Type: "notice", Data: map[string]string{"level": notice.Level.String(), "message": notice.Message}})
	}
	v.mu.Unlock()

	go h.reader(v)
}

// reader drains the connection; viewers are read-only, anything they send
// is ignored.
func (h *Hub) reader(v *viewer) {
	defer h.drop(v)
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	v, ok := h.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no game yet")
		return
	}
	writeJSON(w, v)
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "statistics disabled")
		return
	}
	writeJSON(w, h.stats.Snapshot())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "viewers": h.Viewers()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(code),
		"message": msg,
		"status":  code,
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
