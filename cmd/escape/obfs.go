package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/obfs"
)

func obfsKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "obfs-keygen",
		Short: "Generate a bridge identity and print its client cert",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := obfs.NewServerIdentity()
			if err != nil {
				return err
			}
			b, err := id.MarshalText()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, append(b, '\n'), 0o600); err != nil {
				return fmt.Errorf("write identity: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cert=%s\n", id.Cert())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "obfs-identity", "identity file to write")
	return cmd
}

func obfsBridgeCmd() *cobra.Command {
	var (
		identity string
		listen   string
		forward  string
		iat      bool
		level    string
	)
	cmd := &cobra.Command{
		Use:   "obfs-bridge",
		Short: "Accept obfuscated connections and forward them to a local service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := os.ReadFile(identity)
			if err != nil {
				return fmt.Errorf("read identity: %w", err)
			}
			id, err := obfs.ParseServerIdentity(strings.TrimSpace(string(b)))
			if err != nil {
				return err
			}
			backend, err := elog.New("", level, false)
			if err != nil {
				return err
			}
			defer backend.Close()
			log := backend.GetLogger("bridge")

			ln, err := obfs.Listen("tcp", listen, obfs.NewServer(id, iat), backend.GetLogger("obfs"))
			if err != nil {
				return err
			}
			log.Noticef("listening on %s cert=%s forward=%s", ln.Addr(), id.Cert(), forward)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveBridge(ctx, ln, forward, log)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "obfs-identity", "identity file from obfs-keygen")
	cmd.Flags().StringVar(&listen, "listen", ":8443", "listen address")
	cmd.Flags().StringVar(&forward, "forward", "127.0.0.1:1080", "address each connection is forwarded to")
	cmd.Flags().BoolVar(&iat, "iat", false, "randomize write sizes and timing")
	cmd.Flags().StringVar(&level, "log-level", "NOTICE", "log level")
	return cmd
}

func serveBridge(ctx context.Context, ln net.Listener, forward string, log *logging.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := relay(ctx, c, forward); err != nil {
				log.Debugf("relay %s: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

func relay(ctx context.Context, c net.Conn, forward string) error {
	defer c.Close()
	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", forward)
	if err != nil {
		return err
	}
	defer up.Close()

	var g errgroup.Group
	g.Go(func() error { return copyClose(up, c) })
	g.Go(func() error { return copyClose(c, up) })
	return g.Wait()
}

// copyClose copies until src ends, then closes dst so the other direction
// unblocks.
func copyClose(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	dst.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
