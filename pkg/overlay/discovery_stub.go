//go:build !consul

package overlay

import "errors"

// DiscoveryEnabled returns false when consul build tag is not present.
func DiscoveryEnabled() bool { return false }

var ErrDiscoveryDisabled = errors.New("overlay: consul discovery requires the consul build tag")

// NewConsulDiscovery reports ErrDiscoveryDisabled without the consul tag.
func NewConsulDiscovery(_, _, _ string) (Discoverer, error) {
	return nil, ErrDiscoveryDisabled
}
