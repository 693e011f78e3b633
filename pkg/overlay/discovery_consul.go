//go:build consul

package overlay

import (
	"context"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

// DiscoveryEnabled returns true when the consul tag is on.
func DiscoveryEnabled() bool { return true }

// ConsulDiscovery lists bootstrap peers stored under a KV prefix, one peer
// address per key, and announces this node under the same prefix.
type ConsulDiscovery struct {
	cli    *consulapi.Client
	prefix string
}

func NewConsulDiscovery(addr, token, prefix string) (Discoverer, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	return &ConsulDiscovery{cli: cli, prefix: strings.TrimSuffix(prefix, "/") + "/"}, nil
}

func (d *ConsulDiscovery) Peers(ctx context.Context) ([]string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := d.cli.KV().List(d.prefix, q)
	if err != nil {
		return nil, fmt.Errorf("consul list %s: %w", d.prefix, err)
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if v := strings.TrimSpace(string(p.Value)); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func (d *ConsulDiscovery) Announce(ctx context.Context, id NodeID, addr string) error {
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	kv := &consulapi.KVPair{Key: d.prefix + string(id), Value: []byte(PeerAddr{ID: id, Addr: addr}.String())}
	if _, err := d.cli.KV().Put(kv, w); err != nil {
		return fmt.Errorf("consul announce: %w", err)
	}
	return nil
}
