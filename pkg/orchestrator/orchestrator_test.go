package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escape/pkg/metrics"
	"escape/pkg/model"
	"escape/pkg/store"
	"escape/pkg/transport"
)

type fakeSession struct{ kind model.TransportKind }

func (s *fakeSession) Kind() model.TransportKind { return s.kind }
func (s *fakeSession) Close() error              { return nil }

type calls struct {
	mu    sync.Mutex
	order []model.TransportKind
	cfgs  []model.TransportConfig
}

func (c *calls) add(k model.TransportKind, cfg model.TransportConfig) {
	c.mu.Lock()
	c.order = append(c.order, k)
	c.cfgs = append(c.cfgs, cfg)
	c.mu.Unlock()
}

func (c *calls) kinds() []model.TransportKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TransportKind(nil), c.order...)
}

type fake struct {
	kind  model.TransportKind
	calls *calls
	fail  error
	block bool
	stall time.Duration // sleeps without watching ctx
}

func (f *fake) Kind() model.TransportKind { return f.kind }

func (f *fake) Attempt(ctx context.Context, _ netip.AddrPort, cfg model.TransportConfig) (transport.Session, error) {
	f.calls.add(f.kind, cfg)
	if f.stall > 0 {
		time.Sleep(f.stall)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return &fakeSession{kind: f.kind}, nil
}

var key = base64.StdEncoding.EncodeToString(make([]byte, 32))

func fullConfig() model.ConnectionConfig {
	return model.ConnectionConfig{
		Endpoint:          netip.MustParseAddrPort("203.0.113.7:443"),
		UseObfuscation:    true,
		FallbackToOverlay: true,
		Tunnel: &model.TunnelConfig{
			PrivateKey: key,
			PublicKey:  key,
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		},
		Obfuscation: model.ObfuscationConfig{Cert: "cert"},
		Fronting:    model.FrontingConfig{FrontDomain: "cdn.example.com", TargetDomain: "hidden.example.org", UseTLS: true},
		Overlay:     model.OverlayConfig{BootstrapPeers: []string{"198.51.100.1:4001"}},
	}
}

var allKinds = []model.TransportKind{model.KindTunnel, model.KindObfuscation, model.KindFronting, model.KindOverlay}

// fakes builds one candidate per kind; failing kinds return an error.
func fakes(c *calls, failing ...model.TransportKind) []transport.Candidate {
	out := make([]transport.Candidate, 0, len(allKinds))
	for _, k := range allKinds {
		f := &fake{kind: k, calls: c}
		for _, fk := range failing {
			if fk == k {
				f.fail = errors.New(k.String() + " blocked")
			}
		}
		out = append(out, f)
	}
	return out
}

func TestPlan(t *testing.T) {
	cfg := fullConfig()
	var got []model.TransportKind
	for _, s := range Plan(cfg) {
		got = append(got, s.Kind)
		require.Equal(t, s.Kind, s.Config.Kind())
	}
	require.Equal(t, allKinds, got)

	cfg.Tunnel = nil
	cfg.UseObfuscation = false
	cfg.FallbackToOverlay = false
	steps := Plan(cfg)
	require.Len(t, steps, 1)
	require.Equal(t, model.KindFronting, steps[0].Kind)
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	c := &calls{}
	o := New(Options{}, fakes(c)...)

	s, err := o.Establish(context.Background(), fullConfig())
	require.NoError(t, err)
	require.Equal(t, model.KindTunnel, s.Kind())
	require.Equal(t, []model.TransportKind{model.KindTunnel}, c.kinds())
}

func TestFallbackOrder(t *testing.T) {
	c := &calls{}
	o := New(Options{}, fakes(c, model.KindTunnel, model.KindObfuscation)...)

	s, err := o.Establish(context.Background(), fullConfig())
	require.NoError(t, err)
	require.Equal(t, model.KindFronting, s.Kind())
	require.Equal(t, []model.TransportKind{model.KindTunnel, model.KindObfuscation, model.KindFronting}, c.kinds())
}

func TestObfuscationFailsFrontingSucceeds(t *testing.T) {
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.FallbackToOverlay = false

	c := &calls{}
	o := New(Options{}, fakes(c, model.KindObfuscation)...)
	s, err := o.Establish(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, model.KindFronting, s.Kind())
	require.Equal(t, []model.TransportKind{model.KindObfuscation, model.KindFronting}, c.kinds())
}

func TestExhausted(t *testing.T) {
	c := &calls{}
	m := metrics.New()
	j := store.NewMemory()
	o := New(Options{Metrics: m, Journal: j}, fakes(c, allKinds...)...)

	s, err := o.Establish(context.Background(), fullConfig())
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrExhausted)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Attempts, 4)
	for i, a := range ex.Attempts {
		require.Equal(t, allKinds[i], a.Kind)
	}
	require.ErrorContains(t, err, "fronting attempt failed: fronting blocked")
	// each candidate ran exactly once
	require.Equal(t, allKinds, c.kinds())

	recs, err := j.ListAttempts(0)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, r := range recs {
		require.False(t, r.Success)
		require.NotEmpty(t, r.Error)
		require.Equal(t, "203.0.113.7:443", r.Target)
	}

	path := filepath.Join(t.TempDir(), "escape.prom")
	require.NoError(t, m.WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "escape_establish_exhausted_total 1")
	require.Contains(t, string(b), `escape_transport_attempts_total{result="failure",transport="overlay"} 1`)
}

func TestAttemptTimeout(t *testing.T) {
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.FallbackToOverlay = false
	cfg.AttemptTimeout = 20 * time.Millisecond

	c := &calls{}
	o := New(Options{},
		&fake{kind: model.KindObfuscation, calls: c, block: true},
		&fake{kind: model.KindFronting, calls: c},
	)
	start := time.Now()
	s, err := o.Establish(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, model.KindFronting, s.Kind())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestTimeoutIsReported(t *testing.T) {
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.UseObfuscation = false
	cfg.FallbackToOverlay = false

	o := New(Options{Timeout: 10 * time.Millisecond}, &fake{kind: model.KindFronting, calls: &calls{}, block: true})
	_, err := o.Establish(context.Background(), cfg)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "timed out after 10ms")
}

func TestParentCancelStops(t *testing.T) {
	c := &calls{}
	ctx, cancel := context.WithCancel(context.Background())
	tunnel := &fake{kind: model.KindTunnel, calls: c, block: true}
	o := New(Options{}, append(fakes(c), tunnel)...)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.Establish(ctx, fullConfig())
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, []model.TransportKind{model.KindTunnel}, c.kinds())
}

func TestConfigErrorBeforeAttempts(t *testing.T) {
	c := &calls{}
	o := New(Options{}, fakes(c)...)
	cfg := fullConfig()
	cfg.Endpoint = netip.AddrPort{}

	_, err := o.Establish(context.Background(), cfg)
	var cerr *model.ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Empty(t, c.kinds())
}

func TestMissingCandidateCountsAsFailure(t *testing.T) {
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.FallbackToOverlay = false

	c := &calls{}
	o := New(Options{}, &fake{kind: model.KindFronting, calls: c})
	s, err := o.Establish(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, model.KindFronting, s.Kind())

	o = New(Options{}, &fake{kind: model.KindOverlay, calls: c})
	_, err = o.Establish(context.Background(), cfg)
	require.ErrorIs(t, err, ErrNoCandidate)
}

func TestSuccessJournaled(t *testing.T) {
	j := store.NewMemory()
	c := &calls{}
	o := New(Options{Journal: j}, fakes(c, model.KindTunnel)...)
	_, err := o.Establish(context.Background(), fullConfig())
	require.NoError(t, err)

	recs, err := j.ListAttempts(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, model.KindTunnel, recs[0].Transport)
	require.False(t, recs[0].Success)
	require.Equal(t, model.KindObfuscation, recs[1].Transport)
	require.True(t, recs[1].Success)
}

func TestCallerMutationDoesNotLeak(t *testing.T) {
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.UseObfuscation = false

	c := &calls{}
	o := New(Options{}, fakes(c, model.KindFronting)...)
	_, err := o.Establish(context.Background(), cfg)
	require.NoError(t, err)

	cfg.Overlay.BootstrapPeers[0] = "changed:1"
	got := c.cfgs[len(c.cfgs)-1].(model.OverlayConfig)
	require.Equal(t, "198.51.100.1:4001", got.BootstrapPeers[0])
}

func TestLaterRegistrationReplaces(t *testing.T) {
	c := &calls{}
	o := New(Options{},
		&fake{kind: model.KindFronting, calls: c, fail: errors.New("first")},
		&fake{kind: model.KindFronting, calls: c},
	)
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.UseObfuscation = false
	cfg.FallbackToOverlay = false
	_, err := o.Establish(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, c.kinds(), 1)
}

func TestUnresponsiveCandidateIsAbandoned(t *testing.T) {
	cfg := fullConfig()
	cfg.Tunnel = nil
	cfg.UseObfuscation = false
	cfg.AttemptTimeout = 20 * time.Millisecond

	c := &calls{}
	o := New(Options{},
		&fake{kind: model.KindFronting, calls: c, stall: 2 * time.Second},
		&fake{kind: model.KindOverlay, calls: c},
	)
	start := time.Now()
	s, err := o.Establish(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, model.KindOverlay, s.Kind())
	require.Less(t, time.Since(start), time.Second)
}

func TestFrontingNeedsNoOptIn(t *testing.T) {
	c := &calls{}
	o := New(Options{}, fakes(c)...)
	s, err := o.Establish(context.Background(), model.ConnectionConfig{
		Endpoint: netip.MustParseAddrPort("203.0.113.7:443"),
	})
	require.NoError(t, err)
	require.Equal(t, model.KindFronting, s.Kind())
	require.Equal(t, []model.TransportKind{model.KindFronting}, c.kinds())

	fc := c.cfgs[0].(model.FrontingConfig)
	require.Equal(t, model.DefaultFrontDomain, fc.FrontDomain)
	require.Equal(t, model.DefaultTargetDomain, fc.TargetDomain)
	require.True(t, fc.UseTLS)
}
