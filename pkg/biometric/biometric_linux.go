//go:build linux

package biometric

import "gopkg.in/op/go-logging.v1"

// Platform returns the fprintd verifier.
func Platform(l *logging.Logger) Authenticator { return NewFprintd(l) }
