package overlay

import (
	"fmt"
	"net"
	"strings"
)

// PeerAddr is a bootstrap peer: host:port, optionally prefixed by the
// expected node id as <nodeid>@host:port.
type PeerAddr struct {
	ID   NodeID
	Addr string
}

func ParsePeerAddr(s string) (PeerAddr, error) {
	s = strings.TrimSpace(s)
	var p PeerAddr
	if at := strings.IndexByte(s, '@'); at >= 0 {
		id, err := ParseNodeID(s[:at])
		if err != nil {
			return PeerAddr{}, err
		}
		p.ID = id
		s = s[at+1:]
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("peer address %q: %w", s, err)
	}
	if host == "" || port == "" {
		return PeerAddr{}, fmt.Errorf("peer address %q: host and port are required", s)
	}
	p.Addr = net.JoinHostPort(host, port)
	return p, nil
}

func (p PeerAddr) String() string {
	if p.ID == "" {
		return p.Addr
	}
	return string(p.ID) + "@" + p.Addr
}
