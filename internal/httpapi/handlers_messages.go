package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/portdaddy/portd/internal/conntrack"
)

func (s *Server) handleMessagePublish(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Channel   string          `json:"channel"`
		Payload   json.RawMessage `json:"payload"`
		Sender    string          `json:"sender"`
		ExpiresAt *int64          `json:"expiresAt"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.Messages.Publish(r.Context(), req.Channel, req.Payload, req.Sender, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMessageSince(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Channel string `json:"channel"`
		AfterID int64  `json:"afterId"`
		Limit   int    `json:"limit"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Messages.Since(r.Context(), req.Channel, req.AfterID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleMessagePoll(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Channel    string `json:"channel"`
		AfterID    int64  `json:"afterId"`
		TimeoutSec int    `json:"timeoutSeconds"`
		Origin     string `json:"origin"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = r.RemoteAddr
	}
	if !s.Conns.CanOpen(conntrack.LongPoll, origin) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many open long-poll connections"})
		return
	}
	release := s.Conns.Track(conntrack.LongPoll, origin)
	defer release()

	timeout := time.Duration(req.TimeoutSec) * time.Second
	out, err := s.Messages.Poll(r.Context(), req.Channel, req.AfterID, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

const (
	// sseKeepaliveInterval is the cadence of comment-line keepalives.
	sseKeepaliveInterval = 30 * time.Second
	// sseMaxStreamAge is the hard cap on a single stream's lifetime;
	// the stream sends a "timeout" event and closes when it elapses.
	sseMaxStreamAge = 5 * time.Minute
)

// handleMessageSubscribe streams new rows on a channel as server-sent
// events, replaying any backlog after the since cursor before going
// live. The channel comes from the query string on this verb route;
// the REST alias takes it from the path.
func (s *Server) handleMessageSubscribe(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	var afterID int64
	if sinceStr := r.URL.Query().Get("afterId"); sinceStr != "" {
		afterID, _ = strconv.ParseInt(sinceStr, 10, 64)
	}
	s.streamChannel(w, r, channel, afterID)
}

// streamChannel is the SSE body shared by the verb and REST subscribe
// routes: an initial "connected" event, keepalive comments, and a hard
// stream timeout after which a "timeout" event is sent and the stream
// closes.
func (s *Server) streamChannel(w http.ResponseWriter, r *http.Request, channel string, afterID int64) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		origin = r.RemoteAddr
	}
	if !s.Conns.CanOpen(conntrack.Stream, origin) {
		http.Error(w, "too many open stream connections", http.StatusTooManyRequests)
		return
	}
	release := s.Conns.Track(conntrack.Stream, origin)
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {\"channel\":%q}\n\n", channel)
	flusher.Flush()

	backlog, err := s.Messages.Since(r.Context(), channel, afterID, 0)
	if err == nil {
		for _, m := range backlog {
			writeSSEMessage(w, m.ID, m)
			if m.ID > afterID {
				afterID = m.ID
			}
		}
		flusher.Flush()
	}

	ch, cancel := s.Messages.Subscribe(channel)
	defer cancel()

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()
	deadline := time.NewTimer(sseMaxStreamAge)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			fmt.Fprintf(w, "event: timeout\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.ID <= afterID {
				continue
			}
			writeSSEMessage(w, msg.ID, msg)
			flusher.Flush()
		}
	}
}

func writeSSEMessage(w http.ResponseWriter, id int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", id, data)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request, body []byte) {
	out, err := s.Messages.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleMessageClear(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Messages.Clear(r.Context(), req.Channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
