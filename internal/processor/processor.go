package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/hermes"
	"github.com/MikeSquared-Agency/herald/internal/pipeline"
)

// ErrRunInProgress is returned when a run is requested while another is
// still executing.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes one pipeline pass. *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
}

// Alerter posts critical events somewhere a human will see them.
type Alerter interface {
	PostCriticalEvents(ctx context.Context, runID string, events []extractor.Event) (string, error)
}

// Processor accepts run requests from the API and NATS, runs them one at a
// time and fans the results out to subscribers.
type Processor struct {
	runner  Runner
	bus     hermes.Publisher
	alerter Alerter
	logger  *slog.Logger

	// ctx bounds asynchronous runs; it is cancelled on shutdown.
	ctx     context.Context
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Processor. bus and alerter may be nil.
func New(ctx context.Context, r Runner, bus hermes.Publisher, alerter Alerter, logger *slog.Logger) *Processor {
	return &Processor{
		runner:  r,
		bus:     bus,
		alerter: alerter,
		logger:  logger,
		ctx:     ctx,
	}
}

// Running reports whether a run is executing.
func (p *Processor) Running() bool { return p.running.Load() }

// Run executes a run synchronously.
func (p *Processor) Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return pipeline.Report{}, ErrRunInProgress
	}
	defer p.running.Store(false)
	return p.run(ctx, req)
}

// Trigger starts a run in the background and returns its id.
func (p *Processor) Trigger(req pipeline.Request) (string, error) {
	if !p.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.run(p.ctx, req)
	}()
	return req.RunID, nil
}

// Wait blocks until background runs have returned.
func (p *Processor) Wait() { p.wg.Wait() }

// HandleRunRequested is the NATS handler for herald.run.requested.
func (p *Processor) HandleRunRequested(subject string, data []byte) {
	msg, err := hermes.ParseRunRequest(data)
	if err != nil {
		p.logger.Error("failed to parse run request", "subject", subject, "error", err)
		return
	}

	id, err := p.Trigger(pipeline.Request{
		RunID:        msg.RequestID,
		TargetCount:  msg.TargetCount,
		Category:     msg.Category,
		Keyword:      msg.Keyword,
		ForceRefresh: msg.ForceRefresh,
		Analyze:      msg.Analyze,
	})
	if err != nil {
		p.logger.Warn("run request ignored", "request_id", msg.RequestID, "error", err)
		return
	}
	p.logger.Info("run requested", "run_id", id)
}

func (p *Processor) run(ctx context.Context, req pipeline.Request) (pipeline.Report, error) {
	rep, err := p.runner.Run(ctx, req)
	if errors.Is(err, pipeline.ErrNothingToProcess) {
		p.publish(hermes.SubjectRunCompleted, rep)
		return rep, err
	}
	if err != nil {
		p.logger.Error("run failed", "run_id", rep.RunID, "error", err)
		p.publish(hermes.SubjectRunCompleted, rep)
		return rep, err
	}

	p.publish(hermes.SubjectEventsPrioritized, hermes.EventsPrioritized{
		RunID:       rep.RunID,
		GeneratedAt: time.Now().UTC(),
		Count:       len(rep.Events),
		Events:      rep.Events,
	})
	p.publish(hermes.SubjectRunCompleted, rep)

	if p.alerter != nil {
		// The alert outlives a cancelled run context so shutdown does not drop it.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if ts, err := p.alerter.PostCriticalEvents(actx, rep.RunID, rep.Events); err != nil {
			p.logger.Error("critical alert failed", "run_id", rep.RunID, "error", err)
		} else if ts != "" {
			p.logger.Info("critical alert posted", "run_id", rep.RunID, "ts", ts)
		}
	}
	return rep, nil
}

func (p *Processor) publish(subject string, v any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(subject, v); err != nil {
		p.logger.Error("publish failed", "subject", subject, "error", err)
	}
}
