package cdc

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/metrics"
)

// highWaterMark is the durable-queue backpressure threshold (SPEC_FULL.md
// §4.8: "default 10,000"). It is a fixed constant; the worker does not read
// config.CDC.HighWaterMark.
const highWaterMark = 10_000

const (
	backpressurePoll  = 200 * time.Millisecond
	replicationPoll   = 2 * time.Second
	checkpointEvery   = 5 * time.Second
)

// StreamName is the Redis Streams key one source instance's raw CDC frames
// are appended to; the CDC consumer group reads the same key.
func StreamName(instanceID string) string { return "cdc:" + instanceID }

// IngestionWorker is a long-running per-source-instance worker
// (SPEC_FULL.md §4.8).
type IngestionWorker struct {
	ctx        engine.Context
	instanceID string
	slotName   string
	log        *zap.Logger
}

// NewIngestionWorker builds a worker for one (instanceID, slotName) pair.
func NewIngestionWorker(ec engine.Context, instanceID, slotName string) *IngestionWorker {
	ec = ec.WithLog("cdc_ingestion")
	return &IngestionWorker{ctx: ec, instanceID: instanceID, slotName: slotName, log: ec.Log}
}

// checkpointDiscriminator reuses the engine's cursor store as the "instance metadata"
// table SPEC_FULL.md §4.8 checkpoints the last observed LSN into: scope
// source, discriminator instanceID, cursor_type lsn.
func (w *IngestionWorker) checkpointDiscriminator() string { return w.instanceID }

// Run streams frames from the source's replication slot into the durable
// queue until stop is closed or a stream error aborts the worker (the
// caller's supervisor is expected to restart it, which resumes from the
// last checkpointed LSN).
func (w *IngestionWorker) Run(ctx context.Context, stop <-chan struct{}) error {
	startLSN, err := w.lastCheckpointedLSN(ctx)
	if err != nil {
		return err
	}

	stream, err := w.ctx.SourceDB.OpenReplication(ctx, w.slotName, startLSN)
	if err != nil {
		return err
	}
	defer stream.Close()

	streamKey := StreamName(w.instanceID)
	lastCheckpoint := time.Now()
	var lastLSN uint64 = startLSN

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.waitForBackpressure(ctx, streamKey, stop); err != nil {
			return err
		}

		frame, lsn, ok, err := stream.Next(ctx, replicationPoll)
		if err != nil {
			return err
		}
		if !ok {
			continue // timeout or keepalive tick; loop to re-check stop signal
		}

		if err := w.ctx.Queue.Append(ctx, streamKey, encodeEnvelope(w.instanceID, lsn, frame)); err != nil {
			return err
		}
		if err := w.ctx.SourceDB.SendFeedback(ctx, lsn); err != nil {
			return err
		}
		lastLSN = lsn

		if time.Since(lastCheckpoint) >= checkpointEvery {
			if err := w.checkpoint(ctx, lastLSN); err != nil {
				return err
			}
			lastCheckpoint = time.Now()
		}
	}
}

func (w *IngestionWorker) waitForBackpressure(ctx context.Context, streamKey string, stop <-chan struct{}) error {
	for {
		depth, err := w.ctx.Queue.Len(ctx, streamKey)
		if err != nil {
			return err
		}
		metrics.ObserveQueueDepth(w.instanceID, depth)
		if depth < highWaterMark {
			return nil
		}
		w.log.Warn("cdc ingestion backpressure", zap.String("stream", streamKey), zap.Int64("depth", depth))
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressurePoll):
		}
	}
}

func (w *IngestionWorker) lastCheckpointedLSN(ctx context.Context) (uint64, error) {
	cur, err := w.ctx.Ledger.GetCursor(ctx, w.slotName, engine.ScopeSource, w.checkpointDiscriminator())
	if err != nil {
		return 0, err
	}
	if cur == nil || cur.CursorValue == "" {
		return 0, nil
	}
	var lsn uint64
	_, err = fmt.Sscanf(cur.CursorValue, "%d", &lsn)
	if err != nil {
		return 0, engine.Decode("cdc.parse_checkpoint", err)
	}
	return lsn, nil
}

func (w *IngestionWorker) checkpoint(ctx context.Context, lsn uint64) error {
	return w.ctx.Ledger.UpsertCursor(ctx, engine.Cursor{
		SyncDefID:     w.slotName,
		Scope:         engine.ScopeSource,
		Discriminator: w.checkpointDiscriminator(),
		CursorType:    engine.CursorTypeLSN,
		CursorValue:   fmt.Sprintf("%d", lsn),
		UpdatedAt:     w.ctx.Clock.Now(),
	})
}

// envelope is the wire shape appended to the durable queue: instance id +
// LSN + the raw decoder frame, so the consumer can attribute a frame to its
// source instance without a side channel.
func encodeEnvelope(instanceID string, lsn uint64, frame []byte) []byte {
	idBytes := []byte(instanceID)
	buf := make([]byte, 2+len(idBytes)+8+len(frame))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(idBytes)))
	copy(buf[2:], idBytes)
	off := 2 + len(idBytes)
	binary.BigEndian.PutUint64(buf[off:off+8], lsn)
	copy(buf[off+8:], frame)
	return buf
}

func decodeEnvelope(buf []byte) (instanceID string, lsn uint64, frame []byte, err error) {
	if len(buf) < 2 {
		return "", 0, nil, fmt.Errorf("cdc: envelope truncated")
	}
	idLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+idLen+8 {
		return "", 0, nil, fmt.Errorf("cdc: envelope truncated")
	}
	instanceID = string(buf[2 : 2+idLen])
	off := 2 + idLen
	lsn = binary.BigEndian.Uint64(buf[off : off+8])
	frame = buf[off+8:]
	return instanceID, lsn, frame, nil
}
