// Package state holds the application context shared by the CLI entry
// points: the connectivity status, the accepted one-time codes and the wipe
// capability.
package state

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"escape/pkg/biometric"
	elog "escape/pkg/log"
	"escape/pkg/metrics"
	"escape/pkg/model"
	"escape/pkg/otp"
	"escape/pkg/vault"
	"escape/pkg/wipe"
)

const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusFailed       = "failed"
)

// Connected returns the status string for a session of kind k.
func Connected(k model.TransportKind) string { return "connected:" + k.String() }

type Options struct {
	Vault   *vault.Vault
	Wipe    *wipe.Authority
	Auth    biometric.Authenticator
	Codes   *otp.CodeSet
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// AppContext is created once per process and passed by pointer.
type AppContext struct {
	mu     sync.RWMutex
	status string

	vault   *vault.Vault
	wipe    *wipe.Authority
	auth    biometric.Authenticator
	codes   *otp.CodeSet
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New fills in defaults for anything opts leaves unset: an empty code set,
// the platform authenticator, and a wipe authority over opts.Vault at the
// default locations.
func New(opts Options) *AppContext {
	a := &AppContext{
		status:  StatusDisconnected,
		vault:   opts.Vault,
		wipe:    opts.Wipe,
		auth:    opts.Auth,
		codes:   opts.Codes,
		metrics: opts.Metrics,
		log:     elog.OrDiscard(opts.Log, "state"),
	}
	if a.codes == nil {
		a.codes = otp.NewCodeSet()
	}
	if a.auth == nil {
		a.auth = biometric.Platform(opts.Log)
	}
	if a.wipe == nil && a.vault != nil {
		a.wipe = wipe.New(a.vault, opts.Log)
	}
	return a
}

func (a *AppContext) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *AppContext) SetStatus(s string) {
	a.mu.Lock()
	prev := a.status
	a.status = s
	a.mu.Unlock()
	if prev != s {
		a.log.Infof("status %s -> %s", prev, s)
	}
}

func (a *AppContext) Vault() *vault.Vault       { return a.vault }
func (a *AppContext) Codes() *otp.CodeSet       { return a.codes }
func (a *AppContext) Wipe() *wipe.Authority     { return a.wipe }
func (a *AppContext) Metrics() *metrics.Metrics { return a.metrics }

// CheckCode reports whether code is currently accepted. It never changes
// the set.
func (a *AppContext) CheckCode(code string) bool {
	return a.codes.Contains(code)
}

// TriggerWipe asks the authenticator for proof of presence and, when it is
// given, runs the emergency wipe. It reports whether the wipe completed.
func (a *AppContext) TriggerWipe(ctx context.Context) bool {
	out := a.TriggerWipeOutcome(ctx)
	return out.Success
}

// TriggerWipeOutcome is TriggerWipe with the full result.
func (a *AppContext) TriggerWipeOutcome(ctx context.Context) wipe.Outcome {
	if a.wipe == nil {
		a.log.Error("wipe requested but no vault is configured")
		a.metrics.Wipe(false)
		return wipe.Outcome{Err: wipe.ErrNotVerified}
	}
	out := a.wipe.Trigger(ctx, a.auth)
	a.metrics.Wipe(out.Success)
	if out.Success {
		a.SetStatus(StatusDisconnected)
	}
	return out
}
