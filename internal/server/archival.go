package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	rtconfig "github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/server/repo"
)

// archivalWorkDir holds the temp-then-rename staging area for archive
// files before upload, mirroring the teacher's AtomicWriter pattern
// (write to .tmp, validate, then move/ship) adapted from a local
// rename target to an S3 PutObject.
const archivalWorkDir = "/var/lib/rt-relay/archival"

// Archiver finds fully-drained (stream_id, epoch) pairs and moves
// their events out of Postgres into gzip-compressed JSONL objects in
// S3, per spec.md's cold-archival description: only archive an epoch
// once every receiver has acked past its last event.
type Archiver struct {
	cfg      *rtconfig.ServerConfig
	registry *Registry
	events   *repo.Events
	cursors  *repo.ReceiverCursors
	logger   *slog.Logger
}

// NewArchiver builds an Archiver over the server's registry and event
// store.
func NewArchiver(cfg *rtconfig.ServerConfig, registry *Registry, events *repo.Events, cursors *repo.ReceiverCursors, logger *slog.Logger) *Archiver {
	return &Archiver{cfg: cfg, registry: registry, events: events, cursors: cursors, logger: logger}
}

// Run scans every known stream for cold past epochs and archives them.
// A stream's current epoch is never a candidate — only an epoch the
// stream has since moved past (so its seq space is closed) and that no
// receiver cursor at that epoch still trails is eligible. No minimum
// age is applied: the configured cold_after is not consulted.
func (a *Archiver) Run(ctx context.Context) error {
	if err := os.MkdirAll(archivalWorkDir, 0o755); err != nil {
		return fmt.Errorf("server: preparing archival work dir: %w", err)
	}

	uploader, err := a.newUploader(ctx)
	if err != nil {
		return err
	}

	var archived int
	for _, stream := range a.registry.Snapshot() {
		for epoch := int64(1); epoch < stream.StreamEpoch; epoch++ {
			maxSeq, err := a.events.MaxSeq(stream.StreamID, epoch)
			if err != nil || maxSeq == 0 {
				continue
			}

			unacked, err := a.cursors.MinUnackedBelow(stream.StreamID, epoch, maxSeq)
			if err != nil {
				a.logger.Error("checking archival eligibility", "stream_id", stream.StreamID, "epoch", epoch, "error", err)
				continue
			}
			if unacked {
				continue
			}

			if err := a.archiveEpoch(ctx, uploader, stream.StreamID, epoch, maxSeq); err != nil {
				a.logger.Error("archiving epoch", "stream_id", stream.StreamID, "epoch", epoch, "error", err)
				continue
			}
			archived++
		}
	}

	if archived > 0 {
		a.logger.Info("archival run complete", "epochs_archived", archived)
	}
	return nil
}

func (a *Archiver) archiveEpoch(ctx context.Context, uploader *s3.Client, streamID string, epoch, throughSeq int64) error {
	rows, err := a.events.AllForEpoch(streamID, epoch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp(archivalWorkDir, "archive-*.jsonl.gz")
	if err != nil {
		return fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	gz := gzip.NewWriter(tmp)
	w := bufio.NewWriter(gz)
	enc := json.NewEncoder(w)
	for _, ev := range rows {
		if err := enc.Encode(ev); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding archived event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("reading staged archive: %w", err)
	}

	key := fmt.Sprintf("%s%s/%d.jsonl.gz", a.cfg.Archival.S3KeyPrefix, streamID, epoch)
	if _, err := uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Archival.S3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("uploading archive to s3://%s/%s: %w", a.cfg.Archival.S3Bucket, key, err)
	}

	if _, err := a.events.DeleteThrough(streamID, epoch, throughSeq); err != nil {
		return fmt.Errorf("deleting archived events: %w", err)
	}
	return nil
}

func (a *Archiver) newUploader(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("server: loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

