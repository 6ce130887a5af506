package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/racewire/rt-relay/internal/journal"
	"github.com/racewire/rt-relay/internal/models"
)

const readerDialTimeout = 10 * time.Second

// maxFrameLen is the larger of the two valid chip-read frame sizes;
// reads never need a buffer bigger than this.
const maxFrameLen = 40

// TimingReader owns one TCP connection to a timing reader appliance.
// It dials, reads fixed-length frames, validates them, assigns the
// next seq for the stream, and journals each accepted frame before
// the uplink ever sees it (spec.md §4.1: "frames are handed to the
// journal writer before any network send").
type TimingReader struct {
	key      models.StreamKey
	keyStr   string
	readerIP string
	journal  *journal.Journal
	logger   *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	epoch   int64 // epoch nextSeq was seeded for
	nextSeq int64 // next seq to assign within epoch
}

// NewTimingReader creates a reader for one configured reader_ip. It
// seeds nextSeq from the journal's high-water mark so a restart does
// not reassign seq numbers already on disk.
func NewTimingReader(forwarderID, readerIP string, j *journal.Journal, initialBackoff, maxBackoff time.Duration, logger *slog.Logger) (*TimingReader, error) {
	key := models.StreamKey{ForwarderID: forwarderID, ReaderIP: readerIP}
	keyStr := key.String()

	epoch, err := j.CurrentEpoch(keyStr)
	if err != nil {
		return nil, err
	}
	maxSeq, err := j.MaxSeq(keyStr, epoch)
	if err != nil {
		return nil, err
	}

	return &TimingReader{
		key:            key,
		keyStr:         keyStr,
		readerIP:       readerIP,
		journal:        j,
		logger:         logger.With("component", "timing_reader", "reader_ip", readerIP),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		epoch:          epoch,
		nextSeq:        maxSeq + 1,
	}, nil
}

// Run dials readerIP, reads frames until EOF/error/ctx cancellation,
// reconnecting with exponential backoff capped at maxBackoff, until
// ctx is done. onAccepted is invoked synchronously, after the journal
// write commits, so the uplink can wake up and push the new event.
func (r *TimingReader) Run(ctx context.Context, onAccepted func(models.Event)) {
	backoff := r.initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := (&net.Dialer{Timeout: readerDialTimeout}).DialContext(ctx, "tcp", r.readerIP)
		if err != nil {
			r.logger.Warn("reader dial failed", "error", err, "retry_in", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, r.maxBackoff)
			continue
		}

		r.logger.Info("reader connected")
		backoff = r.initialBackoff
		r.readLoop(ctx, conn, onAccepted)
		conn.Close()
		r.logger.Warn("reader disconnected, will reconnect")
	}
}

func (r *TimingReader) readLoop(ctx context.Context, conn net.Conn, onAccepted func(models.Event)) {
	buf := make([]byte, maxFrameLen)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := readFrame(conn, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("reader read failed", "error", err)
			}
			return
		}

		readType, err := models.ValidateFrame(buf[:n])
		if err != nil {
			// Syntactic prefilter rejected the frame; discard and keep
			// reading (spec.md §4.1: "on any decode ambiguity the
			// frame is discarded and the stream continues").
			r.logger.Debug("reader discarded invalid frame", "error", err, "len", n)
			continue
		}

		epoch, err := r.journal.CurrentEpoch(r.keyStr)
		if err != nil {
			r.logger.Error("reader failed to read current epoch", "error", err)
			return
		}
		if epoch != r.epoch {
			// The stream moved to another epoch: continue after whatever
			// is already journalled or acked at that epoch.
			next, err := r.journal.MaxSeq(r.keyStr, epoch)
			if err != nil {
				r.logger.Error("reader failed to read max seq for new epoch", "error", err)
				return
			}
			if ackEpoch, ackSeq, err := r.journal.AckCursor(r.keyStr); err == nil && ackEpoch == epoch && ackSeq > next {
				next = ackSeq
			}
			r.epoch, r.nextSeq = epoch, next+1
		}

		ev := models.Event{
			StreamKey:       r.key,
			StreamEpoch:     epoch,
			Seq:             r.nextSeq,
			ReaderTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RawReadLine:     string(buf[:n]),
			ReadType:        readType,
		}

		if err := r.journal.WriteAccepted(r.keyStr, epoch, ev); err != nil {
			r.logger.Error("reader failed to journal frame", "error", err)
			return
		}
		r.nextSeq++

		if onAccepted != nil {
			onAccepted(ev)
		}
	}
}

// readFrame reads either a 38-byte or a 40-byte frame, distinguishing
// the two by reading the base 38 bytes first and then peeking for an
// immediately-available 2-byte suffix within one read-deadline window.
// Since reader appliances are configured for a single fixed frame size
// per reader (never mixed), this effectively just reads the frame size
// the appliance actually sends.
func readFrame(conn net.Conn, buf []byte) (int, error) {
	if _, err := io.ReadFull(conn, buf[:models.BaseFrameLen]); err != nil {
		return 0, err
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := io.ReadFull(conn, buf[models.BaseFrameLen:models.BaseFrameLen+2])
	conn.SetReadDeadline(time.Time{})
	if err == nil && n == 2 {
		return models.BaseFrameLen + 2, nil
	}

	return models.BaseFrameLen, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
