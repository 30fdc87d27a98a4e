package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TopicTasks   = "tasks"
	TopicSignals = "signals"
)

// frame is one unit written to a stream. A comment frame is a keepalive.
type frame struct {
	data    string
	comment bool
}

func (s *Server) subscribe(topic string) (<-chan frame, func()) {
	ch := make(chan frame, 256)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[topic]; !ok {
		s.subscribers[topic] = make(map[int]chan frame)
	}
	s.subscribers[topic][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[topic]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, topic)
		}
	}
}

func (s *Server) publishLocked(topic string, f frame) {
	for _, ch := range s.subscribers[topic] {
		select {
		case ch <- f:
		default:
		}
	}
}

// StreamConnections reports open stream connections on topic.
func (s *Server) StreamConnections(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[topic])
}

// PublishRaw writes payload verbatim as one data frame on topic.
func (s *Server) PublishRaw(topic, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(topic, frame{data: payload})
}

// Keepalive writes one comment frame on topic.
func (s *Server) Keepalive(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(topic, frame{data: "keepalive", comment: true})
}

// EmitSignal publishes a system signal to superuser monitors.
func (s *Server) EmitSignal(signalType, level string, data map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"timestamp":   s.now().Format("2006-01-02T15:04:05.999999"),
		"signal_type": signalType,
		"level":       level,
		"data":        data,
	})
	if err != nil {
		return
	}
	s.PublishRaw(TopicSignals, string(payload))
}

// DropStreams ends every open stream connection from the server side.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, subs := range s.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subscribers, topic)
	}
}

func (s *Server) handleStream(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		user, authed := s.userForAccess(token)
		if token != "" && !authed {
			respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
			return
		}
		if topic == TopicSignals {
			if !authed {
				respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authentication required"})
				return
			}
			if !user.Superuser {
				respondJSON(w, http.StatusForbidden, errorResponse{Error: "Superuser access required"})
				return
			}
		}

		if websocket.IsWebSocketUpgrade(r) {
			s.serveWS(w, r, topic)
			return
		}
		s.serveSSE(w, r, topic)
	}
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	frames, cancel := s.subscribe(topic)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if _, err := w.Write([]byte(encodeSSE(f))); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func encodeSSE(f frame) string {
	if f.comment {
		return ": " + f.data + "\n\n"
	}
	var b strings.Builder
	for _, line := range strings.Split(f.data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, topic string) {
	frames, cancel := s.subscribe(topic)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case f, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(time.Second))
				return
			}
			payload := f.data
			if f.comment {
				payload = ""
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		}
	}
}
