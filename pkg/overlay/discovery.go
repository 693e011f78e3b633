package overlay

import (
	"context"
	"slices"
)

const DefaultDiscoveryPrefix = "escape/overlay/peers/"

// StaticDiscovery returns a fixed peer list.
type StaticDiscovery []string

func (s StaticDiscovery) Peers(context.Context) ([]string, error) {
	return slices.Clone(s), nil
}
