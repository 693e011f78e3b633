// Package orchestrator establishes a session by trying transport candidates
// one at a time in a fixed order until one succeeds.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/metrics"
	"escape/pkg/model"
	"escape/pkg/store"
	"escape/pkg/transport"
)

var (
	ErrExhausted   = errors.New("all transports failed")
	ErrNoCandidate = errors.New("no candidate registered")
	errNilSession  = errors.New("candidate returned no session")
)

// ExhaustedError lists every failed attempt of one Establish call in order.
type ExhaustedError struct {
	Attempts []*transport.AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return ErrExhausted.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a)
	}
	return out
}

// Step is one planned attempt.
type Step struct {
	Kind   model.TransportKind
	Config model.TransportConfig
}

// Plan returns the attempt order for cfg: tunnel when configured,
// obfuscation when enabled, fronting always, overlay when enabled.
func Plan(cfg model.ConnectionConfig) []Step {
	steps := make([]Step, 0, 4)
	if cfg.Tunnel != nil {
		steps = append(steps, Step{Kind: model.KindTunnel, Config: *cfg.Tunnel})
	}
	if cfg.UseObfuscation {
		steps = append(steps, Step{Kind: model.KindObfuscation, Config: cfg.Obfuscation})
	}
	steps = append(steps, Step{Kind: model.KindFronting, Config: cfg.Fronting})
	if cfg.FallbackToOverlay {
		steps = append(steps, Step{Kind: model.KindOverlay, Config: cfg.Overlay})
	}
	return steps
}

type Options struct {
	Log     *logging.Logger
	Journal store.Journal
	Metrics *metrics.Metrics
	// Timeout applies when the config does not set an attempt timeout.
	Timeout time.Duration
}

// Orchestrator holds one candidate per transport kind.
type Orchestrator struct {
	candidates map[model.TransportKind]transport.Candidate
	log        *logging.Logger
	journal    store.Journal
	metrics    *metrics.Metrics
	timeout    time.Duration
}

// New registers candidates; a later candidate replaces an earlier one of the
// same kind.
func New(opts Options, candidates ...transport.Candidate) *Orchestrator {
	o := &Orchestrator{
		candidates: make(map[model.TransportKind]transport.Candidate, len(candidates)),
		log:        elog.OrDiscard(opts.Log, "orchestrator"),
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		timeout:    opts.Timeout,
	}
	for _, c := range candidates {
		o.candidates[c.Kind()] = c
	}
	return o
}

func (o *Orchestrator) attemptTimeout(cfg model.ConnectionConfig) time.Duration {
	if cfg.AttemptTimeout > 0 {
		return cfg.AttemptTimeout
	}
	if o.timeout > 0 {
		return o.timeout
	}
	return model.DefaultAttemptTimeout
}

// Establish fills defaults into a copy of cfg and validates it, then attempts each planned candidate in order,
// each bounded by the attempt timeout. The first success is returned and no
// later candidate runs. When all fail the error is an *ExhaustedError.
func (o *Orchestrator) Establish(ctx context.Context, cfg model.ConnectionConfig) (transport.Session, error) {
	cfg = cfg.Clone().WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := o.attemptTimeout(cfg)
	steps := Plan(cfg)

	var failed []*transport.AttemptError
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("establish cancelled before %s: %w", step.Kind, err)
		}
		s, err, d := o.attempt(ctx, step, cfg, timeout)
		o.record(step.Kind, cfg, err, d)
		if err == nil {
			o.log.Noticef("connected via %s after %d attempt(s) in %s", step.Kind, i+1, d.Round(time.Millisecond))
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("establish cancelled during %s: %w", step.Kind, ctx.Err())
		}
		aerr := &transport.AttemptError{Kind: step.Kind, Err: err}
		failed = append(failed, aerr)
		if i+1 < len(steps) {
			o.log.Warningf("%s failed, falling back to %s: %v", step.Kind, steps[i+1].Kind, err)
		} else {
			o.log.Warningf("%s failed: %v", step.Kind, err)
		}
	}
	o.metrics.Exhausted()
	err := &ExhaustedError{Attempts: failed}
	o.log.Errorf("%v", err)
	return nil, err
}

func (o *Orchestrator) attempt(ctx context.Context, step Step, cfg model.ConnectionConfig, timeout time.Duration) (transport.Session, error, time.Duration) {
	c, ok := o.candidates[step.Kind]
	if !ok {
		return nil, ErrNoCandidate, 0
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	s, err := transport.Isolate(actx, func(ctx context.Context) (transport.Session, error) {
		return c.Attempt(ctx, cfg.Endpoint, step.Config)
	})
	d := time.Since(start)
	if err == nil && s == nil {
		err = errNilSession
	}
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return s, err, d
}

func (o *Orchestrator) record(kind model.TransportKind, cfg model.ConnectionConfig, err error, d time.Duration) {
	o.metrics.Attempt(kind.String(), err == nil, d)
	if o.journal == nil {
		return
	}
	rec := model.AttemptRecord{
		Transport: kind,
		Target:    cfg.Endpoint.String(),
		Success:   err == nil,
		Duration:  d,
		Timestamp: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := o.journal.RecordAttempt(rec); jerr != nil {
		o.log.Debugf("journal: %v", jerr)
	}
}
