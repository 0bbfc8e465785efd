// Package journal pushes every accepted record onto a Redis list so that
// downstream processors can consume the ingest stream.
package journal

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
)

const DefaultQueue = "roadwatch_ingest_queue"

type Journal struct {
	rdb    *redis.Client
	queue  string
	maxLen int64
}

// New returns a Journal writing to queue. When maxLen is positive the list is
// trimmed to its newest maxLen entries after each append.
func New(rdb *redis.Client, queue string, maxLen int64) *Journal {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Journal{rdb: rdb, queue: queue, maxLen: maxLen}
}

func (j *Journal) Queue() string {
	return j.queue
}

// Append serializes rec to msgpack and pushes it onto the queue. The request
// id is taken from ctx; a fresh one is generated when ctx has none.
func (j *Journal) Append(ctx context.Context, rec data.StoredRecord) (data.Envelope, error) {
	requestID := data.RequestID(ctx)
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}
	env := data.Envelope{
		RequestID:   requestID.String(),
		TraceID:     uuid.New().String(),
		AgentID:     rec.AgentID,
		Record:      rec,
		TimestampMs: time.Now().UnixMilli(),
	}

	blob, err := msgpack.Marshal(&env)
	if err != nil {
		return data.Envelope{}, xerrors.Errorf("serialize envelope: %w", err)
	}

	_, err = j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, j.queue, blob)
		if j.maxLen > 0 {
			pipe.LTrim(ctx, j.queue, -j.maxLen, -1)
		}
		return nil
	})
	if err != nil {
		return data.Envelope{}, xerrors.Errorf("push to %s: %w", j.queue, err)
	}
	return env, nil
}
