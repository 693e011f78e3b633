//go:build !linux

package biometric

import (
	"context"

	"gopkg.in/op/go-logging.v1"
)

type unsupported struct{}

func (unsupported) Authenticate(context.Context) Outcome { return Unsupported }

// Platform returns the authenticator for this operating system. No verifier
// is wired here, so every request reports Unsupported.
func Platform(*logging.Logger) Authenticator { return unsupported{} }
