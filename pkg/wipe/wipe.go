// Package wipe couples a verified biometric proof to the destruction of key
// material and persisted state.
package wipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"escape/pkg/biometric"
	elog "escape/pkg/log"
)

const (
	ConfigDir = "escape-config"
	TempDir   = "escape-temp"
)

// DefaultPaths returns the state locations under base.
func DefaultPaths(base string) []string {
	return []string{filepath.Join(base, ConfigDir), filepath.Join(base, TempDir)}
}

// Rekeyer destroys and replaces key material.
type Rekeyer interface {
	Wipe() error
}

type State int32

const (
	Idle State = iota
	InFlight
)

func (s State) String() string {
	if s == InFlight {
		return "wipe-in-flight"
	}
	return "idle"
}

// Cleanup is the result of removing one location.
type Cleanup struct {
	Path string
	Err  error
}

// Outcome reports one wipe request. Success is true only when the proof was
// Verified and every step completed.
type Outcome struct {
	Success bool
	Proof   biometric.Outcome
	Cleanup []Cleanup
	Err     error
}

var ErrNotVerified = errors.New("wipe: biometric proof not verified")

// Authority runs at most one wipe at a time.
type Authority struct {
	vault Rekeyer
	paths []string
	log   *logging.Logger

	sem   chan struct{}
	state atomic.Int32
}

// New returns an authority over v and paths. With no paths the defaults
// relative to the working directory are used.
func New(v Rekeyer, log *logging.Logger, paths ...string) *Authority {
	if len(paths) == 0 {
		paths = DefaultPaths("")
	}
	return &Authority{
		vault: v,
		paths: append([]string(nil), paths...),
		log:   elog.OrDiscard(log, "wipe"),
		sem:   make(chan struct{}, 1),
	}
}

func (a *Authority) State() State { return State(a.state.Load()) }

func (a *Authority) Paths() []string { return append([]string(nil), a.paths...) }

// Trigger asks auth for a proof and executes the wipe with it.
func (a *Authority) Trigger(ctx context.Context, auth biometric.Authenticator) Outcome {
	return a.Execute(ctx, auth.Authenticate(ctx))
}

// Execute wipes when proof is Verified. Any other proof leaves keys and files
// untouched. Once started, a wipe runs to completion regardless of ctx.
func (a *Authority) Execute(ctx context.Context, proof biometric.Outcome) Outcome {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return Outcome{Proof: proof, Err: fmt.Errorf("wipe: waiting for in-flight wipe: %w", ctx.Err())}
	}
	defer func() { <-a.sem }()

	if proof != biometric.Verified {
		a.log.Noticef("wipe refused: biometric %s", proof)
		return Outcome{Proof: proof, Err: ErrNotVerified}
	}

	a.state.Store(int32(InFlight))
	defer a.state.Store(int32(Idle))

	out := Outcome{Proof: proof}
	var errs []error
	rotated := true
	if err := a.vault.Wipe(); err != nil {
		a.log.Errorf("key rotation failed: %v", err)
		errs = append(errs, err)
		rotated = false
	}
	for _, p := range a.paths {
		err := os.RemoveAll(p)
		if err != nil {
			a.log.Errorf("remove %s: %v", p, err)
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
		out.Cleanup = append(out.Cleanup, Cleanup{Path: p, Err: err})
	}
	out.Err = errors.Join(errs...)
	out.Success = out.Err == nil
	a.log.Warningf("emergency wipe executed: keys rotated=%v locations=%d success=%v", rotated, len(a.paths), out.Success)
	return out
}
