package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/racewire/rt-relay/internal/protocol"
)

// replayBacklogLimit bounds how many rows a single historical replay
// query pulls and sends in one ReceiverEventBatch; larger backlogs are
// sent as successive batches of at most this size before the stream
// joins the live fan-out.
const replayBacklogLimit = 5000

// taggedBatch carries a fan-out batch alongside the stream it came
// from, since one receiver connection multiplexes many streams.
type taggedBatch struct {
	entry *StreamEntry
	batch EventBatch
}

// runReceiverSession implements the server side of the receiver
// resume protocol: resolve the requested subscription scope, replay
// any requested backlog, then stream live fan-out until disconnect.
func (h *Handler) runReceiverSession(ctx context.Context, conn *websocket.Conn, sessionID, receiverID string, logger *slog.Logger) {
	defer conn.Close()
	logger.Info("receiver session opened")

	conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("reading receiver hello", "error", err)
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		logger.Warn("decoding receiver hello", "error", err)
		return
	}
	hello, ok := msg.(protocol.ReceiverHelloV12)
	if !ok {
		logger.Warn("expected ReceiverHelloV12", "got", msg.Kind())
		return
	}

	targets, replayFrom, err := h.resolveReceiverScope(hello)
	if err != nil {
		logger.Error("resolving receiver subscription scope", "error", err)
		h.sendReceiverError(conn, "scope_resolution_failed", err.Error(), false)
		return
	}
	if len(targets) == 0 {
		logger.Warn("receiver hello resolved no streams")
	}

	fs := &forwarderSession{conn: conn, sessionID: sessionID} // reused only for its mutex-guarded send
	if err := fs.send(protocol.NewHeartbeat(sessionID, receiverID, 0, nil)); err != nil {
		logger.Warn("sending session-open heartbeat", "error", err)
		return
	}

	aggregate := make(chan taggedBatch, 256)
	subCtx, cancelSubs := context.WithCancel(ctx)
	defer cancelSubs()

	var wg sync.WaitGroup
	for _, entry := range targets {
		entry := entry
		sub := h.broadcaster.Subscribe(entry.StreamID)
		if scope, hasBacklog := replayFrom[entry.StreamID]; hasBacklog {
			if err := h.replayBacklog(fs, entry, scope, logger); err != nil {
				logger.Error("replaying backlog", "stream_id", entry.StreamID, "error", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			for {
				select {
				case <-subCtx.Done():
					return
				case b, ok := <-sub.Recv():
					if !ok {
						return
					}
					if sub.Lagged() {
						resync := replayScope{FromEpoch: entry.StreamEpoch, FromSeq: 0, ToEpoch: entry.StreamEpoch}
						if err := h.replayBacklog(fs, entry, resync, logger); err != nil {
							logger.Error("resyncing lagged subscriber", "stream_id", entry.StreamID, "error", err)
						}
						continue
					}
					select {
					case aggregate <- taggedBatch{entry: entry, batch: b}:
					case <-subCtx.Done():
						return
					}
				}
			}
		}()
	}

	readerErrCh := make(chan error, 1)
	go func() {
		readerErrCh <- h.receiverReadLoop(conn, receiverID, logger)
	}()

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelSubs()
			wg.Wait()
			return

		case err := <-readerErrCh:
			if err != nil && !isCleanClose(err) {
				logger.Warn("receiver session read error", "error", err)
			}
			cancelSubs()
			wg.Wait()
			return

		case tb := <-aggregate:
			events := make([]protocol.ReadEvent, 0, len(tb.batch.Events))
			for _, e := range tb.batch.Events {
				events = append(events, protocol.ReadEvent{
					ForwarderID:     tb.entry.ForwarderID,
					ReaderIP:        tb.entry.ReaderIP,
					StreamEpoch:     e.StreamEpoch,
					Seq:             e.Seq,
					ReaderTimestamp: e.ReaderTimestamp,
					RawReadLine:     e.RawReadLine,
					ReadType:        string(e.ReadType),
				})
			}
			if err := fs.send(protocol.NewReceiverEventBatch(events)); err != nil {
				logger.Warn("sending receiver event batch", "error", err)
				cancelSubs()
				wg.Wait()
				return
			}

		case <-heartbeat.C:
			if err := fs.send(protocol.NewHeartbeat(sessionID, receiverID, 0, nil)); err != nil {
				logger.Warn("sending heartbeat", "error", err)
				cancelSubs()
				wg.Wait()
				return
			}
		}
	}
}

// receiverReadLoop processes ReceiverAck and Heartbeat frames from the
// receiver until the connection closes or errors.
func (h *Handler) receiverReadLoop(conn *websocket.Conn, receiverID string, logger *slog.Logger) error {
	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("decoding receiver frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ReceiverAck:
			for _, entry := range m.Entries {
				streamEntry, err := h.registry.Resolve(entry.ForwarderID, entry.ReaderIP)
				if err != nil {
					logger.Error("resolving ack stream", "error", err)
					continue
				}
				if err := h.cursors.Advance(receiverID, streamEntry.StreamID, entry.StreamEpoch, entry.LastSeq); err != nil {
					logger.Error("advancing receiver cursor", "error", err)
				}
			}
		case protocol.Heartbeat:
			// keeps the read deadline alive.
		default:
			logger.Debug("ignoring unexpected receiver frame", "type", msg.Kind())
		}
	}
}

// replayScope bounds one stream's historical replay: every event at
// epoch > FromEpoch, or at FromEpoch with seq > FromSeq, up through
// ToEpoch (ToEpoch < 0 means no upper bound — replay through whatever
// the stream's current epoch turns out to be).
type replayScope struct {
	FromEpoch int64
	FromSeq   int64
	ToEpoch   int64
}

// replayBacklog sends every event in scope for entry, as successive
// ReceiverEventBatch frames of at most replayBacklogLimit events.
func (h *Handler) replayBacklog(fs *forwarderSession, entry *StreamEntry, scope replayScope, logger *slog.Logger) error {
	rows, err := h.events.SinceEpoch(entry.StreamID, scope.FromEpoch, scope.FromSeq, scope.ToEpoch, replayBacklogLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	events := make([]protocol.ReadEvent, 0, len(rows))
	for _, e := range rows {
		events = append(events, protocol.ReadEvent{
			ForwarderID:     entry.ForwarderID,
			ReaderIP:        entry.ReaderIP,
			StreamEpoch:     e.StreamEpoch,
			Seq:             e.Seq,
			ReaderTimestamp: e.ReaderTimestamp,
			RawReadLine:     e.RawReadLine,
			ReadType:        string(e.ReadType),
		})
	}
	if err := fs.send(protocol.NewReceiverEventBatch(events)); err != nil {
		return err
	}
	if len(rows) < replayBacklogLimit {
		return nil
	}
	last := rows[len(rows)-1]
	return h.replayBacklog(fs, entry, replayScope{FromEpoch: last.StreamEpoch, FromSeq: last.Seq, ToEpoch: scope.ToEpoch}, logger)
}

// resolveReceiverScope translates hello's resume mode into the set of
// streams to subscribe to and, per stream_id, the replay bounds to
// apply before joining the live fan-out.
func (h *Handler) resolveReceiverScope(hello protocol.ReceiverHelloV12) ([]*StreamEntry, map[string]replayScope, error) {
	replayFrom := make(map[string]replayScope)

	switch hello.Mode.Kind {
	case protocol.ReceiverModeLive:
		// "subscribe to all current epochs; deliver only events
		// received from now" — no historical replay.
		snapshot := h.registry.Snapshot()
		targets := make([]*StreamEntry, 0, len(snapshot))
		for i := range snapshot {
			entry := snapshot[i]
			targets = append(targets, &entry)
		}
		return targets, replayFrom, nil

	case protocol.ReceiverModeRace:
		pairs, err := h.races.StreamsForRace(hello.Mode.RaceID)
		if err != nil {
			return nil, nil, err
		}
		targets := make([]*StreamEntry, 0, len(pairs))
		for _, p := range pairs {
			entry, err := h.registry.Resolve(p.ForwarderID, p.ReaderIP)
			if err != nil {
				return nil, nil, err
			}

			var earliest int64
			if hello.Mode.EarliestEpochOverride != nil {
				earliest = hello.Mode.EarliestEpochOverride.EarliestEpoch
			} else {
				earliest, err = h.races.EarliestEpoch(hello.Mode.RaceID, entry.StreamID)
				if err != nil {
					return nil, nil, err
				}
				if earliest == 0 {
					earliest = entry.StreamEpoch
				}
			}
			// spec.md §8: "receives all events with epoch >= E" —
			// replay spans every epoch from earliest through
			// whatever the stream's current epoch is, not just the
			// current one; most of that range is usually still in
			// the hot events table (archival only removes closed
			// epochs that receivers have acked).
			replayFrom[entry.StreamID] = replayScope{FromEpoch: earliest, FromSeq: 0, ToEpoch: -1}
			targets = append(targets, entry)
		}
		return targets, replayFrom, nil

	case protocol.ReceiverModeTargetedReplay:
		targets := make([]*StreamEntry, 0, len(hello.Mode.Targets))
		for _, t := range hello.Mode.Targets {
			entry, err := h.registry.Resolve(t.ForwarderID, t.ReaderIP)
			if err != nil {
				return nil, nil, err
			}
			// from_seq = 0 means "everything in this epoch",
			// overriding any existing cursor — the conservative
			// reading spec.md calls out as underspecified upstream.
			// ToEpoch pins the query to exactly t.StreamEpoch: a
			// targeted replay names one historical epoch, not
			// everything from there to the stream's current one.
			replayFrom[entry.StreamID] = replayScope{FromEpoch: t.StreamEpoch, FromSeq: t.FromSeq, ToEpoch: t.StreamEpoch}
			targets = append(targets, entry)
		}
		return targets, replayFrom, nil

	default:
		targets := make([]*StreamEntry, 0, len(hello.Resume))
		for _, r := range hello.Resume {
			entry, err := h.registry.Resolve(r.ForwarderID, r.ReaderIP)
			if err != nil {
				return nil, nil, err
			}
			replayFrom[entry.StreamID] = replayScope{FromEpoch: r.StreamEpoch, FromSeq: r.LastSeq, ToEpoch: -1}
			targets = append(targets, entry)
		}
		return targets, replayFrom, nil
	}
}

func (h *Handler) sendReceiverError(conn *websocket.Conn, code, message string, retryable bool) {
	data, err := protocol.Encode(protocol.NewError(code, message, retryable))
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.TextMessage, data)
}
