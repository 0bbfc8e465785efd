// Package fanout delivers newly stored records to the live listeners
// registered for the record's agent.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
	"roadwatch/internal/metrics"
	"roadwatch/internal/registry"
)

const DefaultWriteTimeout = 5 * time.Second

// DeliveryError describes a failed write to one listener. It is logged and
// never returned to the ingesting caller.
type DeliveryError struct {
	AgentID  int64
	RecordID int64
	Listener string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver record %d for agent %d to listener %s: %s", e.RecordID, e.AgentID, e.Listener, e.Err.Error())
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Result summarizes one Publish call.
type Result struct {
	Attempted int
	Delivered int
	Failed    []*DeliveryError
}

type Options struct {
	Registry *registry.Registry
	Logger   slog.Logger
	Metrics  *metrics.Metrics
	// WriteTimeout bounds each per-listener write. Zero selects
	// DefaultWriteTimeout.
	WriteTimeout time.Duration
}

type Publisher struct {
	registry     *registry.Registry
	logger       slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
}

func New(opts Options) *Publisher {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Publisher{
		registry:     opts.Registry,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		writeTimeout: opts.WriteTimeout,
	}
}

// Publish writes rec to every listener registered for rec.AgentID and returns
// once each write has succeeded, failed or timed out. Listeners that fail are
// unsubscribed and closed. Cancelling ctx does not abort deliveries already
// started; they are bounded by the write timeout alone.
func (p *Publisher) Publish(ctx context.Context, rec data.StoredRecord) Result {
	listeners := p.registry.ListenersFor(rec.AgentID)
	if len(listeners) == 0 {
		return Result{}
	}

	msg, err := json.Marshal(data.NewMessage(rec.CanonicalRecord))
	if err != nil {
		// Only reachable with non-finite floats, which validation rejects.
		p.logger.Error(ctx, "encode listener message", slog.F("record_id", rec.ID), slog.Error(err))
		return Result{Attempted: len(listeners)}
	}

	ctx = context.WithoutCancel(ctx)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result = Result{Attempted: len(listeners)}
	)
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			derr := p.deliver(ctx, rec, l, msg)
			mu.Lock()
			defer mu.Unlock()
			if derr != nil {
				result.Failed = append(result.Failed, derr)
				return
			}
			result.Delivered++
		}()
	}
	wg.Wait()

	p.logger.Debug(ctx, "published record",
		slog.F("record_id", rec.ID),
		slog.F("agent_id", rec.AgentID),
		slog.F("attempted", result.Attempted),
		slog.F("delivered", result.Delivered),
	)
	return result
}

func (p *Publisher) deliver(ctx context.Context, rec data.StoredRecord, l registry.Listener, msg []byte) *DeliveryError {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	start := time.Now()
	err := l.Send(ctx, msg)
	p.metrics.Delivery(err == nil, time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if xerrors.Is(err, context.DeadlineExceeded) {
		err = xerrors.Errorf("write timed out after %s: %w", p.writeTimeout, err)
	}

	derr := &DeliveryError{
		AgentID:  rec.AgentID,
		RecordID: rec.ID,
		Listener: l.ID().String(),
		Err:      err,
	}
	p.registry.Unsubscribe(rec.AgentID, l)
	_ = l.Close("delivery failed")
	p.logger.Warn(ctx, "dropped listener after failed delivery",
		slog.F("agent_id", rec.AgentID),
		slog.F("listener_id", derr.Listener),
		slog.Error(derr),
	)
	return derr
}
