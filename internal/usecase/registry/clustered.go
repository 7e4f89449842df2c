package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sagents/internal/domain"
)

// NATS subjects used by the clustered registry.
const (
	subjectClaims    = "sagents.registry.claims"
	subjectSync      = "sagents.registry.sync"
	subjectHeartbeat = "sagents.registry.heartbeat"
)

const (
	heartbeatInterval = 2 * time.Second
	memberTTL         = 10 * time.Second
	syncWindow        = 500 * time.Millisecond
)

type claimOp struct {
	Op   string `json:"op"` // "put" or "del"
	Key  Key    `json:"key"`
	Node string `json:"node"`
}

type syncReply struct {
	Node   string `json:"node"`
	Claims []Key  `json:"claims"`
}

// Clustered is the NATS-replicated registry backend. Local handles live in
// an embedded Local; ownership claims are broadcast to every member and
// folded into an eventually consistent key→node map. After a membership
// change, a short convergence window may return stale owners; callers must
// treat lookups as advisory.
type Clustered struct {
	node   string
	local  *Local
	conn   *nats.Conn
	logger *slog.Logger

	mu      sync.RWMutex
	remote  map[Key]string // key → owning node (excluding this one)
	members map[string]time.Time

	subs   []*nats.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClustered joins the replicated registry on an established NATS
// connection.
func NewClustered(node string, conn *nats.Conn, logger *slog.Logger) (*Clustered, error) {
	c := &Clustered{
		node:    node,
		local:   NewLocal(node),
		conn:    conn,
		logger:  logger,
		remote:  make(map[Key]string),
		members: map[string]time.Time{node: time.Now()},
		stopCh:  make(chan struct{}),
	}

	claimSub, err := conn.Subscribe(subjectClaims, c.onClaim)
	if err != nil {
		return nil, domain.WrapOp("registry subscribe claims", err)
	}
	syncSub, err := conn.Subscribe(subjectSync, c.onSyncRequest)
	if err != nil {
		claimSub.Unsubscribe()
		return nil, domain.WrapOp("registry subscribe sync", err)
	}
	hbSub, err := conn.Subscribe(subjectHeartbeat, c.onHeartbeat)
	if err != nil {
		claimSub.Unsubscribe()
		syncSub.Unsubscribe()
		return nil, domain.WrapOp("registry subscribe heartbeat", err)
	}
	c.subs = []*nats.Subscription{claimSub, syncSub, hbSub}

	c.requestSync()
	c.wg.Add(1)
	go c.heartbeatLoop()
	return c, nil
}

// Node returns this member's name.
func (c *Clustered) Node() string { return c.node }

func (c *Clustered) Register(key Key, handle any) error {
	c.mu.RLock()
	owner, claimed := c.remote[key]
	c.mu.RUnlock()
	if claimed {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate,
			key.String()+" owned by "+owner)
	}
	if err := c.local.Register(key, handle); err != nil {
		return err
	}
	c.broadcast(claimOp{Op: "put", Key: key, Node: c.node})
	return nil
}

func (c *Clustered) Deregister(key Key) {
	c.local.Deregister(key)
	c.broadcast(claimOp{Op: "del", Key: key, Node: c.node})
}

func (c *Clustered) Via(key Key) (any, error) {
	if handle, err := c.local.Via(key); err == nil {
		return handle, nil
	}
	c.mu.RLock()
	owner, ok := c.remote[key]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Registry.Via", domain.ErrNotFound, key.String())
	}
	return RemoteHandle{Node: owner, Key: key}, nil
}

func (c *Clustered) Lookup(key Key) []any {
	var handles []any
	if h, err := c.local.Via(key); err == nil {
		handles = append(handles, h)
	}
	c.mu.RLock()
	owner, ok := c.remote[key]
	c.mu.RUnlock()
	if ok {
		handles = append(handles, RemoteHandle{Node: owner, Key: key})
	}
	return handles
}

func (c *Clustered) Keys(handle any) []Key { return c.local.Keys(handle) }

func (c *Clustered) Count() int {
	c.mu.RLock()
	remote := len(c.remote)
	c.mu.RUnlock()
	return c.local.Count() + remote
}

func (c *Clustered) Select(p Pattern) []Match {
	matches := c.local.Select(p)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, node := range c.remote {
		if p.Matches(k) {
			matches = append(matches, Match{Key: k, Handle: RemoteHandle{Node: node, Key: k}, Node: node})
		}
	}
	return matches
}

func (c *Clustered) MemberSet() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := time.Now().Add(-memberTTL)
	members := make([]string, 0, len(c.members))
	for node, seen := range c.members {
		if node == c.node || seen.After(cutoff) {
			members = append(members, node)
		}
	}
	return members
}

// Close stops replication. Local claims are dropped by the remaining
// members once heartbeats expire.
func (c *Clustered) Close() {
	close(c.stopCh)
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.wg.Wait()
}

func (c *Clustered) onClaim(msg *nats.Msg) {
	var op claimOp
	if err := json.Unmarshal(msg.Data, &op); err != nil {
		c.logger.Warn("malformed registry claim", "error", err)
		return
	}
	if op.Node == c.node {
		return
	}
	c.applyClaim(op)
}

func (c *Clustered) applyClaim(op claimOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[op.Node] = time.Now()
	switch op.Op {
	case "put":
		// Conflicting claims converge on the lexicographically smallest
		// node so that every member picks the same winner.
		if owner, ok := c.remote[op.Key]; ok && owner <= op.Node {
			return
		}
		c.remote[op.Key] = op.Node
	case "del":
		if c.remote[op.Key] == op.Node {
			delete(c.remote, op.Key)
		}
	}
}

func (c *Clustered) onSyncRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	reply := syncReply{Node: c.node}
	for _, m := range c.local.Select(Pattern{}) {
		reply.Claims = append(reply.Claims, m.Key)
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := c.conn.Publish(msg.Reply, data); err != nil {
		c.logger.Warn("registry sync reply failed", "error", err)
	}
}

// requestSync gathers the claim sets of existing members. Replies that
// arrive after the window are still folded in via the claim subject on the
// owners' next register/deregister, so a short window suffices.
func (c *Clustered) requestSync() {
	inbox := nats.NewInbox()
	sub, err := c.conn.Subscribe(inbox, func(msg *nats.Msg) {
		var reply syncReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.Node == c.node {
			return
		}
		for _, k := range reply.Claims {
			c.applyClaim(claimOp{Op: "put", Key: k, Node: reply.Node})
		}
	})
	if err != nil {
		c.logger.Warn("registry sync subscribe failed", "error", err)
		return
	}
	if err := c.conn.PublishRequest(subjectSync, inbox, nil); err != nil {
		c.logger.Warn("registry sync request failed", "error", err)
	}
	time.AfterFunc(syncWindow, func() { sub.Unsubscribe() })
}

func (c *Clustered) onHeartbeat(msg *nats.Msg) {
	node := string(msg.Data)
	if node == "" || node == c.node {
		return
	}
	c.mu.Lock()
	_, known := c.members[node]
	c.members[node] = time.Now()
	c.mu.Unlock()
	if !known {
		// A new member joined; offer it our claims via the sync subject on
		// its request, and prune its stale view by re-broadcasting ours.
		c.rebroadcastClaims()
	}
}

func (c *Clustered) rebroadcastClaims() {
	for _, m := range c.local.Select(Pattern{}) {
		c.broadcast(claimOp{Op: "put", Key: m.Key, Node: c.node})
	}
}

func (c *Clustered) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.conn.Publish(subjectHeartbeat, []byte(c.node)); err != nil {
				c.logger.Warn("registry heartbeat failed", "error", err)
			}
			c.expireMembers()
		}
	}
}

// expireMembers drops members that stopped heartbeating, along with their
// claims. This is what restores single-owner semantics after a node leaves.
func (c *Clustered) expireMembers() {
	cutoff := time.Now().Add(-memberTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, seen := range c.members {
		if node == c.node || seen.After(cutoff) {
			continue
		}
		delete(c.members, node)
		for k, owner := range c.remote {
			if owner == node {
				delete(c.remote, k)
			}
		}
	}
}

func (c *Clustered) broadcast(op claimOp) {
	data, err := json.Marshal(op)
	if err != nil {
		return
	}
	if err := c.conn.Publish(subjectClaims, data); err != nil {
		c.logger.Warn("registry claim broadcast failed", "op", op.Op, "key", op.Key.String(), "error", err)
	}
}

var _ Registry = (*Clustered)(nil)
