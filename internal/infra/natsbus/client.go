package natsbus

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Connect opens a client connection to the embedded server.
func Connect(bus *Bus) (*nats.Conn, error) {
	conn, err := nats.Connect(bus.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// ConnectURL opens a client connection to an external NATS endpoint.
func ConnectURL(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}
