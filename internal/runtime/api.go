package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/msglog"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

// api serves the session control surface and health checks.
type api struct {
	session *live.Session
	store   *eventstore.Store
	ready   func() bool
	metrics http.Handler
	log     *slog.Logger
}

type sessionView struct {
	ID          string               `json:"id"`
	State       string               `json:"state"`
	Error       string               `json:"error,omitempty"`
	Volume      float64              `json:"volume"`
	Stats       live.Stats           `json:"stats"`
	ActiveMedia *protocol.LogMessage `json:"active_media,omitempty"`
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("POST /v1/session/connect", a.handleConnect)
	mux.HandleFunc("POST /v1/session/disconnect", a.handleDisconnect)
	mux.HandleFunc("GET /v1/session/messages", a.handleMessages)
	mux.HandleFunc("GET /v1/sessions", a.handleJournalSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleJournalEvents)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleSession(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.view())
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := a.session.Connect(r.Context())
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, a.view())
	case errors.Is(err, live.ErrInvalidState), errors.Is(err, live.ErrAborted):
		a.writeError(w, http.StatusConflict, err)
	default:
		a.writeError(w, http.StatusBadGateway, err)
	}
}

func (a *api) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.session.Disconnect()
	a.writeJSON(w, http.StatusOK, a.view())
}

// handleMessages returns the log newest first, or oldest first with ?order=history.
func (a *api) handleMessages(w http.ResponseWriter, r *http.Request) {
	entries := a.session.Messages()
	if r.URL.Query().Get("order") == "history" {
		entries = a.session.History()
	}
	out := make([]protocol.LogMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, a.logMessage(e))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) handleJournalSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.ListSessions(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleJournalEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.ListSessionEvents(r.Context(), r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	a.writeJSON(w, http.StatusOK, events)
}

func (a *api) view() sessionView {
	v := sessionView{
		ID:     a.session.ID(),
		State:  a.session.State().String(),
		Volume: a.session.Volume(),
		Stats:  a.session.Stats(),
	}
	if err := a.session.LastError(); err != nil {
		v.Error = err.Error()
	}
	if entry, ok := a.session.ActiveMedia(); ok {
		msg := a.logMessage(entry)
		v.ActiveMedia = &msg
	}
	return v
}

func (a *api) logMessage(e msglog.Entry) protocol.LogMessage {
	msg := protocol.LogMessage{SessionID: a.session.ID(), Entry: e}
	if e.Metadata != nil && e.Metadata.Image != nil {
		msg.ImageURI = e.Metadata.Image.DataURI()
	}
	return msg
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to write response", slogError(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"state": a.session.State().String(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
