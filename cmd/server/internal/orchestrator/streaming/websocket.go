package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// audioFrameSize is the size of the binary frames audio is streamed in.
const audioFrameSize = 32 * 1024

// Message is the envelope of every text frame exchanged with the speech
// service. Client -> service: "config", "end". Service -> client:
// "transcribed", "session_stopped", "canceled".
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WebSocketRecognizer talks to a speech service over a websocket: it sends
// the session config, streams the WAV file as binary frames and reads
// recognized utterances as JSON text frames.
type WebSocketRecognizer struct {
	url    string
	apiKey string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketRecognizer creates a recognizer for the service at url
// (ws:// or wss://). apiKey, when set, is sent as a bearer token.
func NewWebSocketRecognizer(url, apiKey string, logger *slog.Logger) *WebSocketRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketRecognizer{
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger.With("component", "websocket_recognizer"),
	}
}

// Name returns "websocket".
func (r *WebSocketRecognizer) Name() string {
	return "websocket"
}

func (r *WebSocketRecognizer) header() http.Header {
	h := http.Header{}
	if r.apiKey != "" {
		h.Set("Authorization", "Bearer "+r.apiKey)
	}
	return h
}

// HealthCheck verifies that the service accepts a websocket handshake.
func (r *WebSocketRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.url, r.header())
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("handshake failed: %w", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
	return true, nil
}

// Start opens a session and begins streaming audioPath.
func (r *WebSocketRecognizer) Start(ctx context.Context, audioPath string, cfg SessionConfig) (Session, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, r.header())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dial speech service: %w", err)
	}

	payload, _ := json.Marshal(cfg)
	if err := conn.WriteJSON(Message{Type: "config", Payload: payload}); err != nil {
		f.Close()
		conn.Close()
		return nil, fmt.Errorf("send session config: %w", err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		logger: r.logger,
	}
	go s.stream(f)
	go s.read()
	return s, nil
}

type wsSession struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// stream sends the audio in binary frames followed by an "end" message.
func (s *wsSession) stream(f *os.File) {
	defer f.Close()
	buf := make([]byte, audioFrameSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := s.write(websocket.BinaryMessage, buf[:n]); werr != nil {
				if !s.closed() {
					s.logger.Warn("audio write failed", "error", werr)
				}
				return
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("audio read failed", "error", err)
			s.setErr(fmt.Errorf("read audio: %w", err))
			s.Close()
			return
		}
	}
	end, _ := json.Marshal(Message{Type: "end"})
	if err := s.write(websocket.TextMessage, end); err != nil && !s.closed() {
		s.logger.Warn("end-of-audio write failed", "error", err)
	}
}

func (s *wsSession) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// read turns service messages into events until the session stops.
func (s *wsSession) read() {
	defer close(s.events)
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.setErr(fmt.Errorf("speech service connection lost: %w", err))
			return
		}

		switch msg.Type {
		case "transcribed":
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				s.logger.Warn("malformed transcribed event", "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case "session_stopped":
			return
		case "canceled":
			s.setErr(fmt.Errorf("session canceled: %s", msg.Error))
			return
		default:
			s.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

// Close sends a close frame and releases the connection.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// WriteControl may run concurrently with the audio writer
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
