package biometric

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestFixed(t *testing.T) {
	for _, o := range []Outcome{Verified, Unsupported, AuthFailed, HardwareError} {
		require.Equal(t, o, Fixed(o).Authenticate(context.Background()))
	}
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "verified", Verified.String())
	require.Equal(t, "hardware-error", HardwareError.String())
	require.Equal(t, "unknown", Outcome(0).String())
}

func TestMapVerifyResult(t *testing.T) {
	cases := []struct {
		result string
		done   bool
		want   Outcome
		final  bool
	}{
		{"verify-match", true, Verified, true},
		{"verify-no-match", true, AuthFailed, true},
		{"verify-retry-scan", false, 0, false},
		{"verify-swipe-too-short", false, 0, false},
		{"verify-retry-scan", true, AuthFailed, true},
		{"verify-disconnected", true, HardwareError, true},
		{"verify-unknown-error", false, HardwareError, true},
		{"garbage", false, HardwareError, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%v", tc.result, tc.done), func(t *testing.T) {
			got, final := mapVerifyResult(tc.result, tc.done)
			require.Equal(t, tc.final, final)
			if final {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	require.Equal(t, Unsupported, mapError(dbus.Error{Name: "net.reactivated.Fprint.Error.NoSuchDevice"}))
	require.Equal(t, Unsupported, mapError(dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}))
	require.Equal(t, AuthFailed, mapError(dbus.Error{Name: "net.reactivated.Fprint.Error.PermissionDenied"}))
	require.Equal(t, HardwareError, mapError(dbus.Error{Name: "net.reactivated.Fprint.Error.AlreadyInUse"}))
	require.Equal(t, HardwareError, mapError(errors.New("broken pipe")))
	require.Equal(t, AuthFailed, mapError(fmt.Errorf("call: %w", context.DeadlineExceeded)))
}

func TestFprintdNoBus(t *testing.T) {
	f := NewFprintd(nil)
	f.connect = func() (*dbus.Conn, error) { return nil, errors.New("no such file or directory") }
	require.Equal(t, Unsupported, f.Authenticate(context.Background()))
}

func TestForeignVerifyStatusIgnored(t *testing.T) {
	const dev = dbus.ObjectPath("/net/reactivated/Fprint/Device/0")
	status := func(sender, result string) *dbus.Signal {
		return &dbus.Signal{
			Sender: sender,
			Path:   dev,
			Name:   fprintDeviceIfc + "." + verifyStatus,
			Body:   []interface{}{result, true},
		}
	}

	signals := make(chan *dbus.Signal, 2)
	signals <- status(":1.99", "verify-match")
	signals <- status(":1.7", "verify-no-match")
	require.Equal(t, AuthFailed, NewFprintd(nil).await(context.Background(), signals, ":1.7", dev))

	// a forged match alone never verifies
	signals = make(chan *dbus.Signal, 1)
	signals <- status(":1.99", "verify-match")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Equal(t, AuthFailed, NewFprintd(nil).await(ctx, signals, ":1.7", dev))
}
