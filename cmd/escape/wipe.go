package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"escape/pkg/control"
)

// verifyTimeout bounds the fingerprint scan on the serving side; the client
// waits a little longer for the reply.
const verifyTimeout = control.DefaultWipeTimeout

func wipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Ask the running instance to rotate its keys and remove local state after fingerprint verification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWipe(cmd.Context())
		},
	}
}

func runWipe(ctx context.Context) error {
	r, err := setup()
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout+5*time.Second)
	defer cancel()

	fmt.Fprintln(os.Stderr, "scan a fingerprint to confirm the wipe")
	resp, err := control.Call(ctx, filepath.Join(r.cfg.State.TempDir(), control.SocketFile), control.Request{Op: control.OpWipe})
	if errors.Is(err, control.ErrNotRunning) {
		return fmt.Errorf("%w: start escape connect first, the session keys exist only in its memory", err)
	}
	if err != nil {
		return err
	}
	for _, c := range resp.Cleanup {
		if c.Error != "" {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", c.Path, c.Error)
		}
	}
	if !resp.OK {
		return fmt.Errorf("wipe not performed (%s): %s", resp.Proof, resp.Error)
	}
	fmt.Println("wiped")
	return nil
}
