package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/models"
	"github.com/racewire/rt-relay/internal/protocol"
	"github.com/racewire/rt-relay/internal/server/repo"
)

// sessionIdleTimeout tears a session down if no frame — data or
// heartbeat — arrives within this window (spec.md §4.3: "heartbeat
// timeout (30 s)").
const sessionIdleTimeout = 30 * time.Second

// Handler dispatches upgraded WebSocket connections to the forwarder
// or receiver session loop, based on the bearer token's device type.
type Handler struct {
	cfg         *config.ServerConfig
	logger      *slog.Logger
	auth        *Authenticator
	registry    *Registry
	broadcaster *Broadcaster
	events      *repo.Events
	cursors     *repo.ReceiverCursors
	races       *repo.Races

	upgrader websocket.Upgrader

	mu            sync.Mutex
	forwarderSess map[string]*forwarderSession
	nextSession   int64
}

// NewHandler wires a Handler over the server's durable and in-memory
// state.
func NewHandler(cfg *config.ServerConfig, logger *slog.Logger, auth *Authenticator, registry *Registry, broadcaster *Broadcaster, events *repo.Events, cursors *repo.ReceiverCursors, races *repo.Races) *Handler {
	return &Handler{
		cfg:         cfg,
		logger:      logger,
		auth:        auth,
		registry:    registry,
		broadcaster: broadcaster,
		events:      events,
		cursors:     cursors,
		races:       races,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		forwarderSess: make(map[string]*forwarderSession),
	}
}

// ServeHTTP upgrades the connection and dispatches it to a forwarder
// or receiver session loop based on the authenticated device type.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sessionID := h.allocSessionID()
	logger := h.logger.With("session_id", sessionID, "device_id", device.DeviceID, "device_type", device.DeviceType)

	switch device.DeviceType {
	case "forwarder":
		h.runForwarderSession(r.Context(), conn, sessionID, device.DeviceID, logger)
	case "receiver":
		h.runReceiverSession(r.Context(), conn, sessionID, device.DeviceID, logger)
	default:
		logger.Error("unknown device type")
		conn.Close()
	}
}

func (h *Handler) allocSessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSession++
	return fmt.Sprintf("sess-%d", h.nextSession)
}

// forwarderSession tracks one connected forwarder's live WebSocket so
// the admin surface can push an EpochResetCommand to it directly.
type forwarderSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	forwarderID string
	sessionID   string
}

func (s *forwarderSession) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// registerForwarderSession claims fs.forwarderID's slot in the active
// set, rejecting fs if another session already holds it (spec.md §9:
// "a stream_id is ingested by exactly one forwarder session at a
// time"). The loser is the caller, never the incumbent.
func (h *Handler) registerForwarderSession(fs *forwarderSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.forwarderSess[fs.forwarderID]; taken {
		return false
	}
	h.forwarderSess[fs.forwarderID] = fs
	return true
}

func (h *Handler) unregisterForwarderSession(forwarderID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.forwarderSess[forwarderID]; ok && cur.sessionID == sessionID {
		delete(h.forwarderSess, forwarderID)
	}
}

// PushEpochReset sends an EpochResetCommand to forwarderID's live
// session, if one is connected. Used by the admin reset endpoint.
func (h *Handler) PushEpochReset(forwarderID, readerIP string, newEpoch int64) bool {
	h.mu.Lock()
	fs, ok := h.forwarderSess[forwarderID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	cmd := protocol.NewEpochResetCommand(fs.sessionID, forwarderID, readerIP, newEpoch)
	if err := fs.send(cmd); err != nil {
		h.logger.Warn("pushing epoch reset", "forwarder_id", forwarderID, "error", err)
		return false
	}
	return true
}

// runForwarderSession implements the server side of the forwarder
// uplink: arbitrate epochs, then ingest batches and reply with acks
// until the connection closes.
func (h *Handler) runForwarderSession(ctx context.Context, conn *websocket.Conn, sessionID, forwarderID string, logger *slog.Logger) {
	defer conn.Close()
	logger.Info("forwarder session opened")

	conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("reading forwarder hello", "error", err)
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		logger.Warn("decoding forwarder hello", "error", err)
		return
	}
	hello, ok := msg.(protocol.ForwarderHello)
	if !ok {
		logger.Warn("expected ForwarderHello", "got", msg.Kind())
		return
	}

	fs := &forwarderSession{conn: conn, forwarderID: forwarderID, sessionID: sessionID}
	if !h.registerForwarderSession(fs) {
		logger.Warn("forwarder already connected, rejecting", "forwarder_id", forwarderID)
		fs.send(protocol.NewError("ALREADY_CONNECTED", fmt.Sprintf("forwarder %s already has an active session", forwarderID), false))
		return
	}
	defer h.unregisterForwarderSession(forwarderID, sessionID)

	entriesByKey := make(map[string]*StreamEntry, len(hello.Streams))
	perStream := make([]protocol.ServerHelloStreamState, 0, len(hello.Streams))
	for _, fws := range hello.Streams {
		key, err := parseStreamKey(fws.StreamKey)
		if err != nil {
			logger.Warn("malformed stream key in hello", "stream_key", fws.StreamKey, "error", err)
			continue
		}
		entry, err := h.registry.Resolve(key.ForwarderID, key.ReaderIP)
		if err != nil {
			logger.Error("resolving stream", "stream_key", fws.StreamKey, "error", err)
			continue
		}
		acceptedEpoch, ackedThrough, err := h.registry.Arbitrate(entry, fws.CurrentEpoch, fws.LastJournalledSeq)
		if err != nil {
			logger.Error("arbitrating epoch", "stream_key", fws.StreamKey, "error", err)
			continue
		}
		entriesByKey[fws.StreamKey] = entry
		perStream = append(perStream, protocol.ServerHelloStreamState{
			StreamKey:       fws.StreamKey,
			AcceptedEpoch:   acceptedEpoch,
			AckedThroughSeq: ackedThrough,
		})
	}

	if err := fs.send(protocol.NewServerHello(sessionID, perStream)); err != nil {
		logger.Warn("sending server hello", "error", err)
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !isCleanClose(err) {
				logger.Warn("forwarder session read error", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("decoding forwarder frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ForwarderEventBatch:
			entry, ok := entriesByKey[m.StreamKey]
			if !ok {
				key, err := parseStreamKey(m.StreamKey)
				if err != nil {
					logger.Warn("malformed stream key in batch", "stream_key", m.StreamKey)
					continue
				}
				entry, err = h.registry.Resolve(key.ForwarderID, key.ReaderIP)
				if err != nil {
					logger.Error("resolving late stream", "error", err)
					continue
				}
				entriesByKey[m.StreamKey] = entry
			}

			ack, err := h.ingestBatch(entry, m)
			if err != nil {
				logger.Error("ingesting batch", "stream_key", m.StreamKey, "error", err)
				continue
			}
			if err := fs.send(protocol.NewForwarderAck(sessionID, []protocol.ForwarderAckEntry{ack})); err != nil {
				logger.Warn("sending ack", "error", err)
				return
			}

		case protocol.Heartbeat:
			// keeps the read deadline alive; no reply required.

		default:
			logger.Debug("ignoring unexpected frame", "type", msg.Kind())
		}
	}
}

// ingestBatch persists m's events, advances the registry's durable
// acked_through_seq, and publishes the batch to receiver subscribers.
func (h *Handler) ingestBatch(entry *StreamEntry, m protocol.ForwarderEventBatch) (protocol.ForwarderAckEntry, error) {
	events := make([]models.Event, 0, len(m.Events))
	for _, e := range m.Events {
		events = append(events, models.Event{
			StreamKey:       models.StreamKey{ForwarderID: entry.ForwarderID, ReaderIP: entry.ReaderIP},
			StreamEpoch:     m.StreamEpoch,
			Seq:             e.Seq,
			ReaderTimestamp: e.ReaderTimestamp,
			RawReadLine:     e.RawReadLine,
			ReadType:        models.ReadType(e.ReadType),
		})
	}

	if _, err := h.events.InsertBatch(entry.StreamID, m.StreamEpoch, events); err != nil {
		return protocol.ForwarderAckEntry{}, err
	}

	var maxSeq int64
	for _, e := range m.Events {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}

	if err := h.registry.RecordIngest(entry, m.StreamEpoch, maxSeq); err != nil {
		return protocol.ForwarderAckEntry{}, err
	}

	h.broadcaster.Publish(entry.StreamID, EventBatch{StreamEpoch: m.StreamEpoch, Events: events})

	return protocol.ForwarderAckEntry{
		StreamKey:   m.StreamKey,
		StreamEpoch: m.StreamEpoch,
		ThroughSeq:  maxSeq,
	}, nil
}

func parseStreamKey(s string) (models.StreamKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return models.StreamKey{ForwarderID: s[:i], ReaderIP: s[i+1:]}, nil
		}
	}
	return models.StreamKey{}, fmt.Errorf("server: malformed stream key %q", s)
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, websocket.ErrCloseSent)
}
