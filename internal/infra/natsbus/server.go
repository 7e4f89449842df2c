// Package natsbus embeds a NATS server and hands out client connections.
// In clustered mode it is the transport behind the replicated registry and
// the cross-node event relay.
package natsbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"sagents/internal/infra/config"
)

const readyTimeout = 5 * time.Second

// Bus owns one embedded NATS server.
type Bus struct {
	server *natsserver.Server
	cfg    config.ClusterConfig
}

// New starts an embedded NATS server on the configured port, routed to the
// static member list when one is given.
func New(cfg config.ClusterConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName: cfg.NodeName,
		Port:       cfg.ListenPort,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	}
	if len(cfg.Members) > 0 {
		opts.Routes = natsserver.RoutesFromStr(routeURLs(cfg.Members))
		opts.Cluster = natsserver.ClusterOpts{Name: "sagents", Port: cfg.ListenPort + 1}
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}

	return &Bus{server: ns, cfg: cfg}, nil
}

// ClientURL returns the URL local clients connect to.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port returns the configured client port.
func (b *Bus) Port() int {
	return b.cfg.ListenPort
}

// Close shuts the server down and waits for it.
func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

func routeURLs(members []string) string {
	urls := ""
	for i, m := range members {
		if i > 0 {
			urls += ","
		}
		urls += "nats://" + m
	}
	return urls
}
