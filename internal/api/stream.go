package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/larder/internal/auth"
	"github.com/mattjoyce/larder/internal/log"
)

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// handleJobStream handles GET /ws/jobs. It replays the caller's buffered
// events after last_event_id, then streams new ones. Only the caller's own
// jobs are ever sent.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	hub := s.deps.Events
	if hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := log.WithOwner(principal.Subject).With("component", "api")
	logger.Debug("job stream opened", "last_event_id", r.URL.Query().Get("last_event_id"))
	defer logger.Debug("job stream closed")

	// Subscribe before the snapshot so nothing falls between them.
	ch, cancel := hub.Subscribe(principal.Subject)
	defer cancel()

	sent := parseLastEventID(r.URL.Query().Get("last_event_id"))
	for _, ev := range hub.SnapshotSince(principal.Subject, sent) {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		sent = ev.ID
	}

	// Clients only listen; reading surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= sent {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			sent = ev.ID
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
