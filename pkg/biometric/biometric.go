// Package biometric maps a platform's user-presence check onto a closed set
// of outcomes.
package biometric

import "context"

// Outcome is the result of one authentication request.
type Outcome int

const (
	Verified Outcome = iota + 1
	Unsupported
	AuthFailed
	HardwareError
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Unsupported:
		return "unsupported"
	case AuthFailed:
		return "auth-failed"
	case HardwareError:
		return "hardware-error"
	default:
		return "unknown"
	}
}

// Authenticator asks the platform to verify the present user. It blocks
// until the user acts, the hardware gives up or ctx ends. A cancelled
// request reports AuthFailed.
type Authenticator interface {
	Authenticate(ctx context.Context) Outcome
}

// Fixed always reports the same outcome.
type Fixed Outcome

func (f Fixed) Authenticate(context.Context) Outcome { return Outcome(f) }

// Func adapts a function to Authenticator.
type Func func(ctx context.Context) Outcome

func (f Func) Authenticate(ctx context.Context) Outcome { return f(ctx) }
