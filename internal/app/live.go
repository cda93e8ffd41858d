package app

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/dashboard"
	"pulseboard/api/internal/livequery"
	"pulseboard/api/internal/metrics"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/state"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
	liveQueueSize  = 64
)

type FrameType string

const (
	FrameState    FrameType = "state"
	FrameSnapshot FrameType = "snapshot"
	FrameTheme    FrameType = "theme"
	FrameError    FrameType = "error"
)

// Frame is one message on the live stream. State carries the full dashboard
// snapshot for state, snapshot and theme frames.
type Frame struct {
	Type  FrameType           `json:"type"`
	Slot  query.Slot          `json:"slot,omitempty"`
	State *dashboard.Snapshot `json:"state,omitempty"`
	Error *ErrorFrame         `json:"error,omitempty"`
}

type ErrorFrame struct {
	Topic     string     `json:"topic"`
	Slot      query.Slot `json:"slot"`
	Resource  string     `json:"resource"`
	Operation string     `json:"operation,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// liveEvent is queued by callbacks and turned into a frame by the writer, so
// callbacks never read dashboard state themselves.
type liveEvent struct {
	change *state.Change
	err    *ErrorFrame
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "" || s.corsOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == s.corsOrigin
		},
	}
}

func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	var (
		claims auth.Claims
		err    error
	)
	if token != "" {
		claims, err = auth.ParseToken(s.secret, token)
	} else {
		claims, err = auth.FromHeader(s.secret, strings.TrimSpace(r.Header.Get("Authorization")))
	}
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	dash, release, err := s.service.Connect(r.Context(), claims.Sub)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	defer release()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.LiveClientConnected()
	defer metrics.LiveClientDisconnected()

	log := s.log.WithField("user_id", claims.Sub)
	log.Debug("live client connected")
	s.streamLive(conn, dash, log)
	log.Debug("live client disconnected")
}

func (s *HTTPServer) streamLive(conn *websocket.Conn, dash *dashboard.Dashboard, log *logrus.Entry) {
	events := make(chan liveEvent, liveQueueSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	enqueue := func(ev liveEvent) {
		select {
		case events <- ev:
		default:
			// The client is too slow; drop it rather than stall deliveries.
			overflowOnce.Do(func() { close(overflow) })
		}
	}

	stopWatch := dash.Watch(func(change state.Change) {
		enqueue(liveEvent{change: &change})
	})
	defer stopWatch()
	stopDenied := livequery.OnPermissionDenied(dash.Bus(), func(err *livequery.PermissionError) {
		enqueue(liveEvent{err: &ErrorFrame{
			Topic:     string(livequery.TopicPermissionDenied),
			Slot:      err.Slot(),
			Resource:  err.Resource(),
			Operation: err.Operation(),
			Message:   err.Error(),
			Timestamp: err.Timestamp(),
		}})
	})
	defer stopDenied()
	stopFailed := livequery.OnDeliveryFailed(dash.Bus(), func(err *livequery.DeliveryError) {
		enqueue(liveEvent{err: &ErrorFrame{
			Topic:     string(livequery.TopicDeliveryFailed),
			Slot:      err.Slot(),
			Resource:  err.Resource(),
			Message:   err.Error(),
			Timestamp: err.Timestamp(),
		}})
	})
	defer stopFailed()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial := dash.State()
	if err := writeFrame(conn, Frame{Type: FrameState, State: &initial}); err != nil {
		return
	}

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-overflow:
			log.Warn("live client too slow, closing")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(liveWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case ev := <-events:
			if err := writeFrame(conn, frameFor(ev, dash)); err != nil {
				log.WithError(err).Debug("live write failed")
				return
			}
		}
	}
}

func frameFor(ev liveEvent, dash *dashboard.Dashboard) Frame {
	if ev.err != nil {
		return Frame{Type: FrameError, Slot: ev.err.Slot, Error: ev.err}
	}
	snapshot := dash.State()
	if ev.change.Kind == state.ChangeTheme {
		return Frame{Type: FrameTheme, State: &snapshot}
	}
	return Frame{Type: FrameSnapshot, Slot: ev.change.Slot, State: &snapshot}
}

func writeFrame(conn *websocket.Conn, frame Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return conn.WriteJSON(frame)
}
