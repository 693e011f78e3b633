package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escape/pkg/biometric"
	"escape/pkg/control"
	"escape/pkg/model"
	"escape/pkg/state"
	"escape/pkg/store"
	"escape/pkg/transport"
	"escape/pkg/vault"
)

const tunnelConfig = `
[Logging]
Disable = true

[State]
Dir = %q

[Connection]
Endpoint = "203.0.113.7:443"

[Tunnel]
PrivateKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
PublicKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
Endpoint = "203.0.113.7:51820"
AllowedIPs = ["0.0.0.0/0"]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "escape.toml")
	body := strings.Replace(tunnelConfig, "%q", `"`+filepath.ToSlash(dir)+`"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "escape "))
}

func TestTunnelRender(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "--env", "", "tunnel-render")
	require.NoError(t, err)
	require.Contains(t, out, "[Interface]")
	require.Contains(t, out, "Endpoint = 203.0.113.7:51820")
}

func TestCode(t *testing.T) {
	out, err := execute(t, "code")
	require.NoError(t, err)
	require.Len(t, strings.TrimSpace(out), 6)
}

func TestObfsKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	out, err := execute(t, "obfs-keygen", "--out", path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "cert="))
	require.FileExists(t, path)
}

func TestLockIsExclusive(t *testing.T) {
	cfgFile = writeConfig(t)
	envFile = ""
	r, err := setup()
	require.NoError(t, err)
	defer r.Close()

	fl, err := r.lock()
	require.NoError(t, err)
	defer fl.Unlock()

	_, err = r.lock()
	require.ErrorContains(t, err, "another instance")
}

func TestPipeEndsWithSession(t *testing.T) {
	a, b := net.Pipe()
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- pipe(context.Background(), a, strings.NewReader(""), &out) }()

	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, errSessionEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("pipe did not return")
	}
	require.Equal(t, "hello", out.String())
}

func TestHoldReturnsOnCancel(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hold(ctx, transport.NewConnSession(model.KindObfuscation, a), false) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hold did not return")
	}
}

func TestWipeNeedsRunningInstance(t *testing.T) {
	_, err := execute(t, "--config", writeConfig(t), "--env", "", "wipe")
	require.ErrorIs(t, err, control.ErrNotRunning)
}

func TestHistoryFromJournal(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.New()
	require.NoError(t, err)
	j, err := store.OpenSQLite(filepath.Join(dir, store.JournalFile), v)
	require.NoError(t, err)
	require.NoError(t, j.RecordAttempt(model.AttemptRecord{Transport: model.KindTunnel, Target: "203.0.113.7:51820"}))
	require.NoError(t, j.Close())

	// without the keys the target stays sealed
	recs, err := attempts(context.Background(), dir, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, store.Sealed, recs[0].Target)
	require.Equal(t, model.KindTunnel, recs[0].Transport)
}

func TestHistoryFromRunningInstance(t *testing.T) {
	dir := t.TempDir()
	j := store.NewMemory()
	require.NoError(t, j.RecordAttempt(model.AttemptRecord{Transport: model.KindFronting, Target: "203.0.113.7:443"}))
	ln, err := control.Listen(filepath.Join(dir, control.SocketFile))
	require.NoError(t, err)
	srv := &control.Server{App: state.New(state.Options{Auth: biometric.Fixed(biometric.Unsupported)}), Journal: j}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	recs, err := attempts(context.Background(), dir, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "203.0.113.7:443", recs[0].Target)
}
