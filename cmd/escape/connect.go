package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"escape/pkg/control"
	"escape/pkg/fronting"
	"escape/pkg/metrics"
	"escape/pkg/model"
	"escape/pkg/obfs"
	"escape/pkg/orchestrator"
	"escape/pkg/overlay"
	"escape/pkg/state"
	"escape/pkg/store"
	"escape/pkg/transport"
	"escape/pkg/vault"
	"escape/pkg/wipe"
	"escape/pkg/wireguard"
)

const (
	lockFile       = ".escape.lock"
	exportInterval = 30 * time.Second
)

var (
	errSessionEnded = errors.New("session ended")
	errWiped        = errors.New("local state wiped")
)

func connectCmd() *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Establish a session and hold it until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd.Context(), stdio)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "relay stdin/stdout over stream sessions")
	return cmd
}

// lock takes the single instance lock in the temp state dir.
func (r *runner) lock() (*flock.Flock, error) {
	dir := r.cfg.State.TempDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("another instance is currently running")
	}
	return fl, nil
}

func (r *runner) candidates() ([]transport.Candidate, error) {
	var roots *x509.CertPool
	if r.cfg.Fronting.CAFile != "" {
		var err error
		if roots, err = fronting.LoadCAFile(r.cfg.Fronting.CAFile); err != nil {
			return nil, err
		}
	}

	id, err := overlay.NewIdentity()
	if err != nil {
		return nil, err
	}
	var disc overlay.Discoverer
	if c := r.cfg.Consul; overlay.DiscoveryEnabled() && c.Addr != "" {
		if disc, err = overlay.NewConsulDiscovery(c.Addr, c.Token, c.Prefix); err != nil {
			return nil, err
		}
	}
	olog := r.logger("overlay")
	observe := func(ev overlay.Event) {
		if ev.Kind == overlay.EventPeerConnected {
			olog.Noticef("peer %s reachable at %s", ev.Peer.Short(), ev.Addr)
		}
	}

	return []transport.Candidate{
		wireguard.NewCandidate(nil, r.logger("wireguard")),
		obfs.NewCandidate(r.logger("obfs")),
		fronting.NewCandidate(fronting.Options{RootCAs: roots, Log: r.logger("fronting")}),
		overlay.NewCandidate(overlay.Options{Identity: id, Log: olog, Observer: observe, Discovery: disc}),
	}, nil
}

func runConnect(ctx context.Context, stdio bool) error {
	r, err := setup()
	if err != nil {
		return err
	}
	defer r.Close()
	log := r.logger("escape")

	fl, err := r.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	conn, err := r.cfg.ConnectionConfig()
	if err != nil {
		return err
	}
	v, err := vault.New()
	if err != nil {
		return err
	}
	m := metrics.New()
	journal, err := store.OpenSQLite(filepath.Join(r.cfg.State.TempDir(), store.JournalFile), v)
	if err != nil {
		return err
	}
	defer journal.Close()

	app := state.New(state.Options{
		Vault:   v,
		Wipe:    wipe.New(v, r.logger("wipe"), wipe.DefaultPaths(r.cfg.State.Dir)...),
		Metrics: m,
		Log:     r.logger("state"),
	})
	cands, err := r.candidates()
	if err != nil {
		return err
	}
	orch := orchestrator.New(orchestrator.Options{
		Log:     r.logger("orchestrator"),
		Journal: journal,
		Metrics: m,
	}, cands...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// The control socket is up for the whole run so a wipe can interrupt
	// an attempt in progress.
	ln, err := control.Listen(filepath.Join(r.cfg.State.TempDir(), control.SocketFile))
	if err != nil {
		return err
	}
	srv := &control.Server{
		App:     app,
		Journal: journal,
		Log:     r.logger("control"),
		OnWipe:  func() { cancel(errWiped) },
	}
	var ctl errgroup.Group
	ctl.Go(func() error { return srv.Serve(ctx, ln) })
	defer func() {
		cancel(nil)
		if err := ctl.Wait(); err != nil {
			log.Warningf("control: %v", err)
		}
	}()

	app.SetStatus(state.StatusConnecting)
	sess, err := orch.Establish(ctx, conn)
	if err != nil {
		if errors.Is(context.Cause(ctx), errWiped) {
			log.Notice("wiped while connecting")
			r.exportMetrics(m)
			return nil
		}
		app.SetStatus(state.StatusFailed)
		r.exportMetrics(m)
		return err
	}
	app.SetStatus(state.Connected(sess.Kind()))
	_ = journal.AppendAudit(model.AuditEntry{Actor: "cli", Action: "connect", Target: sess.Kind().String()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hold(gctx, sess, stdio) })
	if r.cfg.Metrics.Textfile != "" {
		g.Go(func() error { return r.exportLoop(gctx, m) })
	}
	err = g.Wait()
	if cerr := sess.Close(); cerr != nil {
		log.Debugf("close %s session: %v", sess.Kind(), cerr)
	}
	if errors.Is(context.Cause(ctx), errWiped) {
		log.Noticef("%s session closed after wipe", sess.Kind())
		r.exportMetrics(m)
		return nil
	}
	app.SetStatus(state.StatusDisconnected)
	r.exportMetrics(m)
	if errors.Is(err, errSessionEnded) || ctx.Err() != nil {
		log.Noticef("%s session closed", sess.Kind())
		return nil
	}
	return err
}

// hold keeps sess open until ctx ends or the session ends on its own.
func hold(ctx context.Context, sess transport.Session, stdio bool) error {
	switch s := sess.(type) {
	case *overlay.Session:
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			if err := s.Wait(); err != nil {
				return err
			}
			return errSessionEnded
		}
	case transport.StreamSession:
		if stdio {
			return pipe(ctx, s.Conn(), os.Stdin, os.Stdout)
		}
	}
	<-ctx.Done()
	return nil
}

// pipe relays in to conn and conn to out. It returns once conn is drained or
// ctx ends; a blocked read on in is left to the process exit.
func pipe(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)
	go func() { _, _ = io.Copy(conn, in) }()
	g.Go(func() error {
		if _, err := io.Copy(out, conn); err != nil {
			return err
		}
		return errSessionEnded
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *runner) exportLoop(ctx context.Context, m *metrics.Metrics) error {
	t := time.NewTicker(exportInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.exportMetrics(m)
		}
	}
}

func (r *runner) exportMetrics(m *metrics.Metrics) {
	path := r.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := m.WriteTextfile(path); err != nil {
		r.logger("metrics").Warningf("write %s: %v", path, err)
	}
}
