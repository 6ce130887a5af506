package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/pki"
	"github.com/racewire/rt-relay/internal/protocol"
)

// sessionIdleReadTimeout matches the 30s heartbeat timeout a receiver
// session is held to (spec.md §4.3).
const sessionIdleReadTimeout = 30 * time.Second

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Sink delivers an applied read to whatever is downstream of the
// receiver's resume protocol client — in production, the local TCP
// listener for that stream's assigned port.
type Sink interface {
	Deliver(forwarderID, readerIP, rawReadLine string)
}

// Session owns the receiver's single WebSocket connection to the
// server: handshake, applying fanned-out batches to the local sink,
// and acking. Grounded on the forwarder's Uplink
// connect/backoff/runSession shape, adapted from a replay-then-stream
// uplink to a subscribe-and-apply downlink.
type Session struct {
	cfg    *config.ReceiverConfig
	cache  *Cache
	sink   Sink
	mode   func() protocol.ReceiverMode
	logger *slog.Logger

	sessionID atomic.Value // string
	connected atomic.Bool
}

// NewSession builds a Session. modeFn is called fresh on every
// reconnect so an operator-driven mode change (e.g. switching to Race
// mode for a specific event) takes effect on the next connection
// without restarting the daemon.
func NewSession(cfg *config.ReceiverConfig, cache *Cache, sink Sink, modeFn func() protocol.ReceiverMode, logger *slog.Logger) *Session {
	s := &Session{
		cfg:    cfg,
		cache:  cache,
		sink:   sink,
		mode:   modeFn,
		logger: logger.With("component", "session"),
	}
	s.sessionID.Store("")
	return s
}

// Connected reports whether the session currently holds a live
// connection to the server.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Run connects, handshakes and applies fanned-out batches in a loop
// until ctx is canceled, reconnecting with exponential backoff on any
// failure.
func (s *Session) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			s.logger.Warn("session connect failed", "error", err, "retry_in", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		s.connected.Store(true)
		if err := s.runSession(ctx, conn); err != nil {
			s.logger.Warn("session ended", "error", err)
		}
		s.connected.Store(false)
		conn.Close()
	}
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	tlsCfg, err := pki.NewClientTLSConfig(s.cfg.TLS.CACert, s.cfg.TLS.ClientCert, s.cfg.TLS.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("building tls config: %w", err)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Server.Token)

	conn, _, err := dialer.DialContext(ctx, s.cfg.Server.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) runSession(ctx context.Context, conn *websocket.Conn) error {
	resume, err := s.cache.LoadResumeCursors()
	if err != nil {
		return fmt.Errorf("loading resume cursors: %w", err)
	}

	hello := protocol.NewReceiverHelloV12(s.cfg.Receiver.ID, s.mode(), resume)
	if err := s.send(conn, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("session discarding undecodable message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.Heartbeat:
			if m.SessionID != "" {
				s.sessionID.Store(m.SessionID)
			}
		case protocol.ReceiverEventBatch:
			if err := s.applyBatch(conn, m); err != nil {
				return fmt.Errorf("applying batch: %w", err)
			}
		case protocol.Error:
			if !m.Retryable {
				return fmt.Errorf("server error %s: %s", m.Code, m.Message)
			}
			s.logger.Warn("session received retryable error", "code", m.Code, "message", m.Message)
		default:
			s.logger.Debug("session ignoring message", "type", m.Kind())
		}

		if sessionCtx.Err() != nil {
			return sessionCtx.Err()
		}
	}
}

// applyBatch delivers every event to the local sink, persists the
// applied cursor per stream, and acks back to the server in one
// ReceiverAck covering every stream touched by the batch.
func (s *Session) applyBatch(conn *websocket.Conn, batch protocol.ReceiverEventBatch) error {
	entries, err := s.applyAndPersist(batch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return s.send(conn, protocol.NewReceiverAck(s.sessionID.Load().(string), entries))
}

// applyAndPersist delivers every event to the local sink and persists
// the resulting per-stream high-water mark (the highest seq within the
// highest epoch in the batch), returning the ack entries
// to send. Split out from applyBatch so the bookkeeping can be tested
// without a live WebSocket connection.
func (s *Session) applyAndPersist(batch protocol.ReceiverEventBatch) ([]protocol.ReceiverAckEntry, error) {
	type streamProgress struct {
		epoch int64
		seq   int64
	}
	progress := make(map[[2]string]*streamProgress)

	for _, ev := range batch.Events {
		s.sink.Deliver(ev.ForwarderID, ev.ReaderIP, ev.RawReadLine)

		key := [2]string{ev.ForwarderID, ev.ReaderIP}
		p, ok := progress[key]
		if !ok {
			p = &streamProgress{}
			progress[key] = p
		}
		switch {
		case ev.StreamEpoch > p.epoch:
			p.epoch, p.seq = ev.StreamEpoch, ev.Seq
		case ev.StreamEpoch == p.epoch && ev.Seq > p.seq:
			p.seq = ev.Seq
		}
	}

	entries := make([]protocol.ReceiverAckEntry, 0, len(progress))
	for key, p := range progress {
		if err := s.cache.SaveCursor(key[0], key[1], p.epoch, p.seq); err != nil {
			return nil, fmt.Errorf("persisting cursor for %s/%s: %w", key[0], key[1], err)
		}
		entries = append(entries, protocol.ReceiverAckEntry{
			ForwarderID: key[0],
			ReaderIP:    key[1],
			StreamEpoch: p.epoch,
			LastSeq:     p.seq,
		})
	}
	return entries, nil
}

func (s *Session) send(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
