package wireguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrPrivilege reports that the process may not manage network interfaces.
var ErrPrivilege = errors.New("insufficient privilege to manage network interfaces")

// Controller manages the kernel side of a WireGuard interface.
type Controller interface {
	Exists(name string) bool
	Create(name string) error
	Configure(name string, cfg wgtypes.Config) error
	AddAddress(name string, addr netip.Prefix) error
	Up(name string) error
	Delete(name string) error
}

// LinkController drives iproute2 for links and wgctrl for device settings.
// It assumes the ip tool is installed.
type LinkController struct{}

func (LinkController) Exists(name string) bool {
	if name == "" {
		return false
	}
	_, err := net.InterfaceByName(name)
	return err == nil
}

func (LinkController) Create(name string) error {
	return run("ip", "link", "add", "dev", name, "type", "wireguard")
}

func (LinkController) Configure(name string, cfg wgtypes.Config) error {
	client, err := wgctrl.New()
	if err != nil {
		return privilege(fmt.Errorf("wgctrl: %w", err))
	}
	defer client.Close()
	if err := client.ConfigureDevice(name, cfg); err != nil {
		return privilege(fmt.Errorf("configure %s: %w", name, err))
	}
	return nil
}

func (LinkController) AddAddress(name string, addr netip.Prefix) error {
	return run("ip", "address", "add", addr.String(), "dev", name)
}

func (LinkController) Up(name string) error {
	return run("ip", "link", "set", "up", "dev", name)
}

func (LinkController) Delete(name string) error {
	return run("ip", "link", "del", "dev", name)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		err = fmt.Errorf("%s %v failed: %v output=%s", name, args, err, strings.TrimSpace(string(out)))
		if strings.Contains(string(out), "Operation not permitted") {
			return fmt.Errorf("%w: %v", ErrPrivilege, err)
		}
		return err
	}
	return nil
}

func privilege(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPrivilege, err)
	}
	return err
}
