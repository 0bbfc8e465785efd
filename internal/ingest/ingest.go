// Package ingest runs one telemetry submission through
// validation, persistence, journaling and fan-out.
package ingest

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
	"roadwatch/internal/fanout"
	"roadwatch/internal/metrics"
	"roadwatch/internal/store"
	"roadwatch/internal/validate"
)

// Journal receives every persisted record. Failures are logged and do not
// affect the ingest result.
type Journal interface {
	Append(ctx context.Context, rec data.StoredRecord) (data.Envelope, error)
}

// Publisher delivers a persisted record to live listeners.
type Publisher interface {
	Publish(ctx context.Context, rec data.StoredRecord) fanout.Result
}

type Options struct {
	Store     store.Store
	Publisher Publisher
	// Journal is optional.
	Journal Journal
	Logger  slog.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	store     store.Store
	publisher Publisher
	journal   Journal
	logger    slog.Logger
	metrics   *metrics.Metrics
}

func New(opts Options) *Service {
	return &Service{
		store:     opts.Store,
		publisher: opts.Publisher,
		journal:   opts.Journal,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Ingest validates raw, stores it and publishes it. It returns a
// *validate.Error when the submission is rejected and a *store.Error when
// the record could not be stored; nothing is stored or published in either
// case. Once the record is stored Ingest succeeds regardless of what happens
// to the journal or the listeners.
func (s *Service) Ingest(ctx context.Context, raw data.RawSubmission) (data.StoredRecord, error) {
	start := time.Now()

	rec, err := validate.Record(raw)
	if err != nil {
		s.metrics.Ingest("invalid", time.Since(start).Seconds())
		return data.StoredRecord{}, err
	}

	stored, err := s.store.Insert(ctx, rec)
	if err != nil {
		s.metrics.Ingest("storage_error", time.Since(start).Seconds())
		s.logger.Error(ctx, "failed to store record", slog.F("agent_id", rec.AgentID), slog.Error(err))
		return data.StoredRecord{}, xerrors.Errorf("persist record: %w", err)
	}
	logger := s.logger.With(slog.F("record_id", stored.ID), slog.F("agent_id", stored.AgentID))

	if s.journal != nil {
		env, err := s.journal.Append(ctx, stored)
		s.metrics.JournalAppend(err == nil)
		if err != nil {
			logger.Error(ctx, "failed to append record to ingest journal", slog.Error(err))
		} else {
			logger.Debug(ctx, "appended record to ingest journal", slog.F("trace_id", env.TraceID))
		}
	}

	res := s.publisher.Publish(ctx, stored)
	if res.Attempted > 0 {
		logger.Info(ctx, "published record to listeners",
			slog.F("delivered", res.Delivered),
			slog.F("failed", len(res.Failed)),
		)
	}

	s.metrics.Ingest("ok", time.Since(start).Seconds())
	return stored, nil
}
