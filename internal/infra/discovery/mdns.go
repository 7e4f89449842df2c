// Package discovery finds cluster members on the local network via
// mDNS/DNS-SD. It backs the "auto" cluster member policy.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType   = "_sagents._tcp"
	serviceDomain = "local."
	scanTimeout   = 5 * time.Second
)

// Member is one discovered cluster node.
type Member struct {
	Node    string
	Address string
	Port    int
}

// Announcer advertises this node as a cluster member.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the node's NATS endpoint in mDNS.
func Announce(node string, port int) (*Announcer, error) {
	server, err := zeroconf.Register(node, serviceType, serviceDomain, port, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Close withdraws the announcement.
func (a *Announcer) Close() {
	a.server.Shutdown()
}

// Scanner browses for sagents cluster members.
type Scanner struct {
	logger *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(logger *slog.Logger) *Scanner {
	return &Scanner{logger: logger}
}

// Scan browses the local network for announced members.
func (s *Scanner) Scan(ctx context.Context) ([]Member, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var members []Member
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			member := entryToMember(entry)
			mu.Lock()
			members = append(members, member)
			mu.Unlock()
			s.logger.Debug("mdns discovered member", "node", member.Node, "address", member.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, serviceType, serviceDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]Member, len(members))
	copy(result, members)
	mu.Unlock()

	return result, nil
}

// Addresses renders discovered members as host:port strings for the NATS
// route list.
func Addresses(members []Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, fmt.Sprintf("%s:%d", m.Address, m.Port))
	}
	return out
}

func entryToMember(entry *zeroconf.ServiceEntry) Member {
	member := Member{Node: entry.Instance, Port: entry.Port}
	if len(entry.AddrIPv4) > 0 {
		member.Address = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		member.Address = entry.AddrIPv6[0].String()
	}
	return member
}
