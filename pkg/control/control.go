// Package control serves local requests to a running connect process over a
// unix socket in the temp state directory. The process that holds the
// session keys is the only one that can rotate them, so wipes go through here.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/model"
	"escape/pkg/state"
	"escape/pkg/store"
)

// SocketFile is the socket's name inside the temp state directory.
const SocketFile = "control.sock"

const (
	OpStatus  = "status"
	OpHistory = "history"
	OpWipe    = "wipe"

	DefaultWipeTimeout = 30 * time.Second
	ioTimeout          = 5 * time.Second
)

var ErrNotRunning = errors.New("no running escape instance")

type Request struct {
	Op    string `json:"op"`
	Limit int    `json:"limit,omitempty"`
}

type Cleanup struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

type Response struct {
	OK       bool                  `json:"ok"`
	Status   string                `json:"status,omitempty"`
	Proof    string                `json:"proof,omitempty"`
	Cleanup  []Cleanup             `json:"cleanup,omitempty"`
	Attempts []model.AttemptRecord `json:"attempts,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Server answers control requests for one process.
type Server struct {
	App     *state.AppContext
	Journal store.Journal
	Log     *logging.Logger

	WipeTimeout time.Duration
	// OnWipe runs after a wipe completed.
	OnWipe func()
}

// Listen binds the socket at path, replacing a stale one. Only the owner may
// connect.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("control mkdir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("control chmod: %w", err)
	}
	return ln, nil
}

// Serve handles connections on ln until ctx ends. It closes ln and waits for
// in-flight requests before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := elog.OrDiscard(s.Log, "control")
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := s.handle(ctx, conn); err != nil {
				log.Debugf("control request: %v", err)
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	resp, after := s.dispatch(ctx, req)
	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	err := json.NewEncoder(conn).Encode(resp)
	if after != nil {
		after()
	}
	return err
}

// dispatch returns the response and an optional action to run once it is sent.
func (s *Server) dispatch(ctx context.Context, req Request) (Response, func()) {
	log := elog.OrDiscard(s.Log, "control")
	switch req.Op {
	case OpStatus:
		return Response{OK: true, Status: s.App.Status()}, nil
	case OpHistory:
		if s.Journal == nil {
			return Response{Error: "no journal"}, nil
		}
		recs, err := s.Journal.ListAttempts(req.Limit)
		if err != nil {
			return Response{Error: err.Error()}, nil
		}
		return Response{OK: true, Attempts: recs}, nil
	case OpWipe:
		timeout := s.WipeTimeout
		if timeout <= 0 {
			timeout = DefaultWipeTimeout
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Notice("wipe requested over control socket")
		out := s.App.TriggerWipeOutcome(wctx)
		resp := Response{OK: out.Success, Proof: out.Proof.String(), Status: s.App.Status()}
		for _, c := range out.Cleanup {
			rc := Cleanup{Path: c.Path}
			if c.Err != nil {
				rc.Error = c.Err.Error()
			}
			resp.Cleanup = append(resp.Cleanup, rc)
		}
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
		if out.Success {
			return resp, s.OnWipe
		}
		return resp, nil
	}
	return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}, nil
}

// Call sends req to the instance listening at path. It returns ErrNotRunning
// when nothing is listening.
func Call(ctx context.Context, path string, req Request) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return Response{}, ErrNotRunning
		}
		return Response{}, fmt.Errorf("control dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("control send: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("control receive: %w", err)
	}
	return resp, nil
}
