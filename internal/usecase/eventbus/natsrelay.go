package eventbus

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"sagents/internal/domain"
)

const relaySubjectPrefix = "sagents.events."

// relayEnvelope wraps an event for cross-node transport. Payloads arrive
// on the remote side as generic JSON values; remote subscribers observe
// the same kinds and field names, not the local Go payload types.
type relayEnvelope struct {
	Node  string       `json:"node"`
	Topic string       `json:"topic"`
	Event domain.Event `json:"event"`
}

// NATSRelay mirrors locally published events to every cluster member and
// injects remote members' events into the local bus.
type NATSRelay struct {
	conn   *nats.Conn
	bus    *Bus
	node   string
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewNATSRelay attaches a relay to the bus over an established NATS
// connection.
func NewNATSRelay(conn *nats.Conn, bus *Bus, node string, logger *slog.Logger) (*NATSRelay, error) {
	r := &NATSRelay{conn: conn, bus: bus, node: node, logger: logger}
	sub, err := conn.Subscribe(relaySubjectPrefix+">", r.onRemote)
	if err != nil {
		return nil, domain.WrapOp("event relay subscribe", err)
	}
	r.sub = sub
	bus.AddRelay(r)
	return r, nil
}

// Forward implements Relay. Best-effort: a marshal or publish failure is
// logged, never surfaced to the worker.
func (r *NATSRelay) Forward(topic string, event domain.Event) {
	data, err := json.Marshal(relayEnvelope{Node: r.node, Topic: topic, Event: event})
	if err != nil {
		r.logger.Warn("event relay marshal failed", "topic", topic, "error", err)
		return
	}
	if err := r.conn.Publish(relaySubject(topic), data); err != nil {
		r.logger.Warn("event relay publish failed", "topic", topic, "error", err)
	}
}

func (r *NATSRelay) onRemote(msg *nats.Msg) {
	var env relayEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("malformed relayed event", "error", err)
		return
	}
	if env.Node == r.node {
		return
	}
	r.bus.PublishLocal(env.Topic, env.Event)
}

// Close detaches the relay from the cluster.
func (r *NATSRelay) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
}

// relaySubject maps a bus topic onto a NATS subject.
func relaySubject(topic string) string {
	return relaySubjectPrefix + strings.ReplaceAll(topic, ":", ".")
}
