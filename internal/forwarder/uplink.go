package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/journal"
	"github.com/racewire/rt-relay/internal/models"
	"github.com/racewire/rt-relay/internal/pki"
	"github.com/racewire/rt-relay/internal/protocol"
)

// Uplink state machine values, per spec.md §4.1.
const (
	StateDisconnected  = "disconnected"
	StateConnecting    = "connecting"
	StateHandshakeSent = "handshake_sent"
	StateReplaying     = "replaying"
	StateStreaming     = "streaming"
)

// Uplink owns the forwarder's single WebSocket connection to the
// server: handshake, epoch reconciliation, bounded-window replay of
// the journal backlog, and live streaming of newly accepted events.
// Grounded on the teacher's ControlChannel reconnect loop
// (connect/backoff/run), adapted from binary framing to the JSON
// envelope and from a fire-and-forget control link to an acked,
// replay-capable data path.
type Uplink struct {
	cfg     *config.ForwarderConfig
	journal *journal.Journal
	pool    *ReaderPool
	stats   *SystemMonitor
	logger  *slog.Logger

	state     atomic.Value // string
	sessionID atomic.Value // string

	writeMu sync.Mutex
}

// NewUplink builds an Uplink for the given config, journal and reader
// pool. stats may be nil, in which case Heartbeats carry no system
// stats payload.
func NewUplink(cfg *config.ForwarderConfig, j *journal.Journal, pool *ReaderPool, stats *SystemMonitor, logger *slog.Logger) *Uplink {
	u := &Uplink{
		cfg:     cfg,
		journal: j,
		pool:    pool,
		stats:   stats,
		logger:  logger.With("component", "uplink"),
	}
	u.state.Store(StateDisconnected)
	u.sessionID.Store("")
	return u
}

// State returns the uplink's current connection state.
func (u *Uplink) State() string {
	return u.state.Load().(string)
}

// Run connects, handshakes, replays and streams in a loop until ctx is
// canceled, reconnecting with exponential backoff on any failure.
func (u *Uplink) Run(ctx context.Context) {
	backoff := u.cfg.Uplink.InitialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		u.state.Store(StateConnecting)
		conn, err := u.connect(ctx)
		if err != nil {
			u.logger.Warn("uplink connect failed", "error", err, "retry_in", backoff)
			u.state.Store(StateDisconnected)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, u.cfg.Uplink.MaxBackoff)
			continue
		}

		backoff = u.cfg.Uplink.InitialBackoff
		if err := u.runSession(ctx, conn); err != nil {
			u.logger.Warn("uplink session ended", "error", err)
		}
		conn.Close()
		u.state.Store(StateDisconnected)
	}
}

func (u *Uplink) connect(ctx context.Context) (*websocket.Conn, error) {
	tlsCfg, err := pki.NewClientTLSConfig(u.cfg.TLS.CACert, u.cfg.TLS.ClientCert, u.cfg.TLS.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("building tls config: %w", err)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.cfg.Server.Token)

	conn, _, err := dialer.DialContext(ctx, u.cfg.Server.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// runSession drives one connection through handshake, replay and
// streaming. It returns when the connection breaks or ctx is done.
func (u *Uplink) runSession(ctx context.Context, conn *websocket.Conn) error {
	u.state.Store(StateHandshakeSent)

	streams, err := u.buildHelloStreams()
	if err != nil {
		return fmt.Errorf("building hello: %w", err)
	}
	if err := u.send(conn, protocol.NewForwarderHello(u.cfg.Forwarder.ID, streams)); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading server hello: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding server hello: %w", err)
	}
	hello, ok := msg.(protocol.ServerHello)
	if !ok {
		return fmt.Errorf("expected ServerHello, got %T", msg)
	}
	u.sessionID.Store(hello.SessionID)

	if err := u.reconcileEpochs(hello); err != nil {
		return fmt.Errorf("reconciling epochs: %w", err)
	}

	u.state.Store(StateReplaying)
	if err := u.replay(ctx, conn); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	u.state.Store(StateStreaming)
	return u.stream(ctx, conn)
}

func (u *Uplink) buildHelloStreams() ([]protocol.ForwarderStream, error) {
	streams := make([]protocol.ForwarderStream, 0, len(u.cfg.Readers))
	for _, r := range u.cfg.Readers {
		key := models.StreamKey{ForwarderID: u.cfg.Forwarder.ID, ReaderIP: r.ReaderIP}.String()
		epoch, err := u.journal.CurrentEpoch(key)
		if err != nil {
			return nil, err
		}
		ackEpoch, ackSeq, err := u.journal.AckCursor(key)
		if err != nil {
			return nil, err
		}
		// Acked rows are pruned, so the highest seq ever journalled at
		// this epoch is the larger of the remaining rows and the cursor.
		seq, err := u.journal.MaxSeq(key, epoch)
		if err != nil {
			return nil, err
		}
		if ackEpoch == epoch && ackSeq > seq {
			seq = ackSeq
		}
		streams = append(streams, protocol.ForwarderStream{
			StreamKey:         key,
			CurrentEpoch:      epoch,
			LastJournalledSeq: seq,
		})
	}
	return streams, nil
}

// reconcileEpochs applies the server's arbitrated epoch/cursor per
// stream. If the server accepted a different (higher) epoch than the
// forwarder's local state — because it saw a continuity break the
// forwarder hadn't recorded yet, or vice versa — the forwarder adopts
// the server's view; see spec.md §4.2's four arbitration cases.
func (u *Uplink) reconcileEpochs(hello protocol.ServerHello) error {
	for _, ps := range hello.PerStream {
		localEpoch, err := u.journal.CurrentEpoch(ps.StreamKey)
		if err != nil {
			return err
		}
		if ps.AcceptedEpoch != localEpoch {
			if err := u.journal.SetCurrentEpoch(ps.StreamKey, ps.AcceptedEpoch); err != nil {
				return err
			}
		}
		if err := u.journal.SetAckCursor(ps.StreamKey, ps.AcceptedEpoch, ps.AckedThroughSeq); err != nil {
			return err
		}
	}
	return nil
}

// replay drains the journal's backlog for every configured reader,
// one epoch group at a time, oldest first, waiting for each batch's
// ack before sending the next — a window of exactly one in-flight
// batch per spec.md's replay-phase description.
func (u *Uplink) replay(ctx context.Context, conn *websocket.Conn) error {
	for _, r := range u.cfg.Readers {
		key := models.StreamKey{ForwarderID: u.cfg.Forwarder.ID, ReaderIP: r.ReaderIP}.String()

		groups, err := journal.PendingEvents(u.journal, key)
		if err != nil {
			return err
		}

		for _, g := range groups {
			if err := u.sendAndAwaitAck(ctx, conn, key, g.StreamEpoch, g.Events); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Uplink) sendAndAwaitAck(ctx context.Context, conn *websocket.Conn, streamKey string, epoch int64, events []models.Event) error {
	for start := 0; start < len(events); start += u.cfg.Uplink.BatchMaxEntries {
		end := start + u.cfg.Uplink.BatchMaxEntries
		if end > len(events) {
			end = len(events)
		}
		batch := toForwarderBatchEvents(events[start:end])

		if err := u.send(conn, protocol.NewForwarderEventBatch(streamKey, epoch, batch)); err != nil {
			return err
		}

		if err := u.awaitAck(conn, streamKey, epoch); err != nil {
			return err
		}
	}
	return nil
}

// awaitAck reads messages until it sees a ForwarderAck covering
// streamKey/epoch (advancing the journal cursor and pruning acked
// rows), an EpochResetCommand (applied and surfaced as an error to
// force a reconnect), or an Error.
func (u *Uplink) awaitAck(conn *websocket.Conn, streamKey string, epoch int64) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			u.logger.Warn("uplink discarding undecodable message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ForwarderAck:
			if err := u.applyAck(m); err != nil {
				return err
			}
			for _, e := range m.Entries {
				if e.StreamKey == streamKey && e.StreamEpoch == epoch {
					return nil
				}
			}
		case protocol.EpochResetCommand:
			if err := u.applyEpochReset(m); err != nil {
				return err
			}
			return fmt.Errorf("epoch reset for %s: forcing reconnect", m.ReaderIP)
		case protocol.Error:
			if !m.Retryable {
				return fmt.Errorf("server error %s: %s", m.Code, m.Message)
			}
			u.logger.Warn("uplink received retryable error", "code", m.Code, "message", m.Message)
		default:
			u.logger.Debug("uplink ignoring message during replay", "type", m.Kind())
		}
	}
}

func (u *Uplink) applyAck(ack protocol.ForwarderAck) error {
	for _, e := range ack.Entries {
		if err := u.journal.AdvanceAckAndPrune(e.StreamKey, e.StreamEpoch, e.ThroughSeq); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uplink) applyEpochReset(cmd protocol.EpochResetCommand) error {
	key := models.StreamKey{ForwarderID: cmd.ForwarderID, ReaderIP: cmd.ReaderIP}.String()
	if err := u.journal.SetCurrentEpoch(key, cmd.NewStreamEpoch); err != nil {
		return err
	}
	return u.journal.SetAckCursor(key, cmd.NewStreamEpoch, 0)
}

// stream is the live phase: a writer loop batches newly accepted
// events from the reader pool and pushes them (rate-limited if
// configured), while a concurrent reader loop applies acks, epoch
// resets and errors, and a ticker sends periodic heartbeats so an
// otherwise-idle connection isn't reclaimed by the server's idle
// timeout.
func (u *Uplink) stream(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() { errCh <- u.streamReader(sessionCtx, conn) }()
	go func() { errCh <- u.streamWriter(sessionCtx, conn) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (u *Uplink) streamReader(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(u.cfg.Uplink.IdleReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			u.logger.Warn("uplink discarding undecodable message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ForwarderAck:
			if err := u.applyAck(m); err != nil {
				return err
			}
		case protocol.EpochResetCommand:
			if err := u.applyEpochReset(m); err != nil {
				return err
			}
			return fmt.Errorf("epoch reset for %s: forcing reconnect", m.ReaderIP)
		case protocol.Heartbeat:
			// keep-alive only
		case protocol.Error:
			if !m.Retryable {
				return fmt.Errorf("server error %s: %s", m.Code, m.Message)
			}
			u.logger.Warn("uplink received retryable error", "code", m.Code, "message", m.Message)
		default:
			u.logger.Debug("uplink ignoring message while streaming", "type", m.Kind())
		}
	}
}

func (u *Uplink) streamWriter(ctx context.Context, conn *websocket.Conn) error {
	var limiter *rate.Limiter
	if u.cfg.Uplink.RateLimitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(u.cfg.Uplink.RateLimitBps), int(u.cfg.Uplink.BatchMaxBytesRaw))
	}

	heartbeat := time.NewTicker(u.cfg.Uplink.HeartbeatPeriod)
	defer heartbeat.Stop()

	pending := make(map[string]*pendingBatch)

	flush := func() error {
		for key, pb := range pending {
			if len(pb.events) == 0 {
				continue
			}
			batch := toForwarderBatchEvents(pb.events)
			data, err := protocol.Encode(protocol.NewForwarderEventBatch(key, pb.epoch, batch))
			if err != nil {
				return err
			}
			if limiter != nil {
				if err := limiter.WaitN(ctx, len(data)); err != nil {
					return err
				}
			}
			if err := u.writeRaw(conn, data); err != nil {
				return err
			}
			pb.events = pb.events[:0]
		}
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			var stats *protocol.HostStats
			if u.stats != nil {
				s := u.stats.Stats()
				stats = &protocol.HostStats{
					CPUPercent:       s.CPUPercent,
					MemoryPercent:    s.MemoryPercent,
					DiskUsagePercent: s.DiskUsagePercent,
					LoadAverage:      s.LoadAverage,
				}
			}
			if err := u.send(conn, protocol.NewHeartbeat(u.sessionID.Load().(string), u.cfg.Forwarder.ID, time.Now().Unix(), stats)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case ev, ok := <-u.pool.Events():
			if !ok {
				return flush()
			}
			key := ev.StreamKey.String()
			pb, exists := pending[key]
			if !exists {
				pb = &pendingBatch{epoch: ev.StreamEpoch}
				pending[key] = pb
			}
			pb.events = append(pb.events, ev)
			if len(pb.events) >= u.cfg.Uplink.BatchMaxEntries {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

type pendingBatch struct {
	epoch  int64
	events []models.Event
}

func (u *Uplink) send(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return u.writeRaw(conn, data)
}

func (u *Uplink) writeRaw(conn *websocket.Conn, data []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func toForwarderBatchEvents(events []models.Event) []protocol.ForwarderBatchEvent {
	out := make([]protocol.ForwarderBatchEvent, len(events))
	for i, e := range events {
		out[i] = protocol.ForwarderBatchEvent{
			Seq:             e.Seq,
			ReaderTimestamp: e.ReaderTimestamp,
			RawReadLine:     e.RawReadLine,
			ReadType:        string(e.ReadType),
		}
	}
	return out
}
