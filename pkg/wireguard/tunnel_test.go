package wireguard

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"escape/pkg/model"
	"escape/pkg/transport"
)

type fakeController struct {
	mu        sync.Mutex
	calls     []string
	exists    bool
	failOn    string
	failErr   error
	block     chan struct{}
	lastWGCfg wgtypes.Config
}

func (f *fakeController) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if op == f.failOn {
		return f.failErr
	}
	return nil
}

func (f *fakeController) ops() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func (f *fakeController) Exists(string) bool { return f.exists }
func (f *fakeController) Create(string) error {
	if f.block != nil {
		<-f.block
	}
	return f.record("create")
}
func (f *fakeController) Configure(_ string, cfg wgtypes.Config) error {
	f.mu.Lock()
	f.lastWGCfg = cfg
	f.mu.Unlock()
	return f.record("configure")
}
func (f *fakeController) AddAddress(string, netip.Prefix) error { return f.record("address") }
func (f *fakeController) Up(string) error                       { return f.record("up") }
func (f *fakeController) Delete(string) error                   { return f.record("delete") }

func tunnelConfig(t *testing.T) model.TunnelConfig {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return model.TunnelConfig{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.8.0.0/24")},
		Address:    netip.MustParsePrefix("10.8.0.2/24"),
		Keepalive:  25 * time.Second,
	}
}

var target = netip.MustParseAddrPort("203.0.113.7:51820")

func TestAttemptBringsUpAndTearsDown(t *testing.T) {
	ctl := &fakeController{}
	c := NewCandidate(ctl, nil)

	s, err := c.Attempt(context.Background(), target, tunnelConfig(t))
	require.NoError(t, err)
	require.Equal(t, model.KindTunnel, s.Kind())
	require.Equal(t, "create,configure,address,up", ctl.ops())

	require.Len(t, ctl.lastWGCfg.Peers, 1)
	require.Equal(t, target.String(), ctl.lastWGCfg.Peers[0].Endpoint.String())
	require.Equal(t, "10.8.0.0/24", ctl.lastWGCfg.Peers[0].AllowedIPs[0].String())

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), ErrTornDown)
	require.Equal(t, "create,configure,address,up,delete", ctl.ops())
}

func TestRejectedPeerRollsBack(t *testing.T) {
	ctl := &fakeController{failOn: "configure", failErr: errors.New("invalid argument")}
	_, err := NewCandidate(ctl, nil).Attempt(context.Background(), target, tunnelConfig(t))
	require.ErrorContains(t, err, "peer configuration rejected")
	require.Equal(t, "create,configure,delete", ctl.ops())
}

func TestExistingInterfaceIsLeftAlone(t *testing.T) {
	ctl := &fakeController{exists: true}
	s, err := NewCandidate(ctl, nil).Attempt(context.Background(), target, tunnelConfig(t))
	require.ErrorIs(t, err, ErrInterfaceBusy)
	require.Nil(t, s)
	require.Empty(t, ctl.ops())
}

func TestPrivilegeError(t *testing.T) {
	ctl := &fakeController{failOn: "create", failErr: ErrPrivilege}
	_, err := NewCandidate(ctl, nil).Attempt(context.Background(), target, tunnelConfig(t))
	require.ErrorIs(t, err, ErrPrivilege)
}

func TestWrongConfig(t *testing.T) {
	_, err := NewCandidate(&fakeController{}, nil).Attempt(context.Background(), target, model.FrontingConfig{})
	require.ErrorIs(t, err, transport.ErrWrongConfig)
}

func TestBlockedCreateHonoursDeadline(t *testing.T) {
	ctl := &fakeController{block: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewCandidate(ctl, nil).Attempt(ctx, target, tunnelConfig(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late attempt sees the cancelled context and rolls back
	close(ctl.block)
	require.Eventually(t, func() bool { return ctl.ops() == "create,delete" }, time.Second, 5*time.Millisecond)
}

func TestDeviceConfigPrefersOwnEndpoint(t *testing.T) {
	tc := tunnelConfig(t)
	tc.Endpoint = netip.MustParseAddrPort("198.51.100.9:51820")
	tc.ListenPort = 41000
	cfg, err := DeviceConfig(tc, target)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.9:51820", cfg.Peers[0].Endpoint.String())
	require.Equal(t, 41000, *cfg.ListenPort)
	require.Equal(t, 25*time.Second, *cfg.Peers[0].PersistentKeepaliveInterval)
	require.True(t, cfg.ReplacePeers)
}

func TestRenderConfig(t *testing.T) {
	tc := tunnelConfig(t)
	tc.Endpoint = target
	out, err := RenderConfig(tc)
	require.NoError(t, err)
	require.Contains(t, out, "[Interface]\nAddress = 10.8.0.2/24\nPrivateKey = "+tc.PrivateKey+"\n")
	require.Contains(t, out, "PublicKey = "+tc.PublicKey+"\n")
	require.Contains(t, out, "Endpoint = 203.0.113.7:51820\n")
	require.Contains(t, out, "AllowedIPs = 10.8.0.0/24\n")
	require.Contains(t, out, "PersistentKeepalive = 25\n")

	tc.PrivateKey = ""
	_, err = RenderConfig(tc)
	require.Error(t, err)
}
