package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/qraft-dev/qraft/internal/events"
	"github.com/qraft-dev/qraft/internal/session"
)

// handleStream serves the per-session SSE progress feed. The stream ends on
// the session's terminal event, detected either through the subscription or
// through the reconciliation re-read of registry state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	registry := s.manager.Registry()

	sess, ok := registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found: "+id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	// An already-terminal session gets its single terminal event without a
	// live subscription; no history replays through the channel.
	if sess.State.Terminal() {
		writeSSE(w, events.Event{Type: events.TypeConnected, SessionID: id, Timestamp: time.Now()})
		writeSSE(w, terminalEventFor(sess))
		flusher.Flush()
		return
	}

	// Subscribe before the first flush so no event can slip between the
	// client observing the connection and the feed attaching.
	sub := s.manager.Broadcaster().Subscribe(id)
	// every exit path below releases the subscription
	defer sub.Close()

	writeSSE(w, events.Event{Type: events.TypeConnected, SessionID: id, Timestamp: time.Now()})
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				// The broadcaster closed the feed after its terminal
				// event, or dropped us as a slow subscriber. Either way
				// the stream must still end on the terminal event, so
				// poll registry state from here on.
				s.reconcileUntilTerminal(w, r, flusher, id)
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
			// A delivered event is proof of liveness; the next ping is
			// only due a full interval after it.
			heartbeat.Reset(s.heartbeat)

		case <-heartbeat.C:
			writeSSE(w, events.Event{Type: events.TypePing, SessionID: id, Timestamp: time.Now()})
			flusher.Flush()
			// Reconciliation: the terminal transition may have raced our
			// subscription and never reached this channel.
			if cur, ok := registry.Get(id); ok && cur.State.Terminal() {
				writeSSE(w, terminalEventFor(cur))
				flusher.Flush()
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// reconcileUntilTerminal finishes a stream whose subscription is gone. It
// re-reads registry state until the session turns terminal, keeping the
// client alive with pings, and writes the synthesized terminal event.
func (s *Server) reconcileUntilTerminal(w http.ResponseWriter, r *http.Request, flusher http.Flusher, id string) {
	registry := s.manager.Registry()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		if cur, ok := registry.Get(id); !ok || cur.State.Terminal() {
			if ok {
				writeSSE(w, terminalEventFor(cur))
				flusher.Flush()
			}
			return
		}
		select {
		case <-ticker.C:
			writeSSE(w, events.Event{Type: events.TypePing, SessionID: id, Timestamp: time.Now()})
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// terminalEventFor synthesizes the terminal event matching a session's
// terminal state.
func terminalEventFor(sess session.Session) events.Event {
	ev := events.Event{SessionID: sess.ID, Timestamp: time.Now()}
	switch sess.State {
	case session.StateFailed:
		ev.Type = events.TypeError
		ev.Message = sess.Error
	case session.StateCancelled:
		ev.Type = events.TypeCancelled
	default:
		ev.Type = events.TypeCompleted
	}
	return ev
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
