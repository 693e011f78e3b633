package biometric

import (
	"context"
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
)

// refer: https://fprint.freedesktop.org/fprintd-dev/Device.html

const (
	fprintService   = "net.reactivated.Fprint"
	fprintManager   = "/net/reactivated/Fprint/Manager"
	fprintDeviceIfc = "net.reactivated.Fprint.Device"
	verifyStatus    = "VerifyStatus"
)

// Fprintd verifies a fingerprint through the fprintd daemon on the system bus.
type Fprintd struct {
	log *logging.Logger
	// connect defaults to dbus.ConnectSystemBus.
	connect func() (*dbus.Conn, error)
}

func NewFprintd(l *logging.Logger) *Fprintd {
	return &Fprintd{log: elog.OrDiscard(l, "biometric"), connect: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() }}
}

func (f *Fprintd) Authenticate(ctx context.Context) Outcome {
	conn, err := f.connect()
	if err != nil {
		f.log.Warningf("system bus unavailable: %v", err)
		return Unsupported
	}
	defer conn.Close()

	var devPath dbus.ObjectPath
	mgr := conn.Object(fprintService, fprintManager)
	if err := mgr.CallWithContext(ctx, fprintService+".Manager.GetDefaultDevice", 0).Store(&devPath); err != nil {
		return f.fail("get default device", err)
	}
	dev := conn.Object(fprintService, devPath)

	// Any bus client may emit signals, so only the daemon's unique name counts.
	var owner string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, fprintService).Store(&owner); err != nil {
		return f.fail("resolve owner", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(owner),
		dbus.WithMatchObjectPath(devPath),
		dbus.WithMatchInterface(fprintDeviceIfc),
		dbus.WithMatchMember(verifyStatus),
	); err != nil {
		return f.fail("subscribe", err)
	}
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if call := dev.CallWithContext(ctx, fprintDeviceIfc+".Claim", 0, ""); call.Err != nil {
		return f.fail("claim", call.Err)
	}
	// Release must run even when ctx has ended.
	defer dev.Call(fprintDeviceIfc+".Release", 0)

	if call := dev.CallWithContext(ctx, fprintDeviceIfc+".VerifyStart", 0, "any"); call.Err != nil {
		return f.fail("verify start", call.Err)
	}
	defer dev.Call(fprintDeviceIfc+".VerifyStop", 0)

	return f.await(ctx, signals, owner, devPath)
}

// await consumes VerifyStatus signals from owner on devPath until one is final.
func (f *Fprintd) await(ctx context.Context, signals <-chan *dbus.Signal, owner string, devPath dbus.ObjectPath) Outcome {
	for {
		select {
		case <-ctx.Done():
			f.log.Infof("verification abandoned: %v", ctx.Err())
			return AuthFailed
		case sig, ok := <-signals:
			if !ok {
				return HardwareError
			}
			if sig.Sender != owner {
				if sig.Name == fprintDeviceIfc+"."+verifyStatus {
					f.log.Warningf("ignoring verify status from %s", sig.Sender)
				}
				continue
			}
			if sig.Path != devPath || sig.Name != fprintDeviceIfc+"."+verifyStatus || len(sig.Body) < 2 {
				continue
			}
			result, _ := sig.Body[0].(string)
			done, _ := sig.Body[1].(bool)
			f.log.Debugf("verify status %s done=%v", result, done)
			if o, final := mapVerifyResult(result, done); final {
				return o
			}
		}
	}
}

func (f *Fprintd) fail(step string, err error) Outcome {
	o := mapError(err)
	f.log.Warningf("fprintd %s: %v (%s)", step, err, o)
	return o
}

// mapVerifyResult reports the outcome for a VerifyStatus signal and whether
// verification has ended.
func mapVerifyResult(result string, done bool) (Outcome, bool) {
	switch result {
	case "verify-match":
		return Verified, true
	case "verify-no-match":
		return AuthFailed, true
	case "verify-disconnected", "verify-unknown-error":
		return HardwareError, true
	}
	if strings.HasPrefix(result, "verify-") && !done {
		// retry-scan, swipe-too-short, finger-not-centered, remove-and-retry
		return 0, false
	}
	if done {
		return AuthFailed, true
	}
	return HardwareError, true
}

func mapError(err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return AuthFailed
	}
	var derr dbus.Error
	if !errors.As(err, &derr) {
		return HardwareError
	}
	switch derr.Name {
	case "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.NameHasNoOwner",
		"net.reactivated.Fprint.Error.NoSuchDevice",
		"net.reactivated.Fprint.Error.NoEnrolledPrints":
		return Unsupported
	case "net.reactivated.Fprint.Error.PermissionDenied":
		return AuthFailed
	default:
		return HardwareError
	}
}
