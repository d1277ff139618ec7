// Package tracker implements the cluster-aware session/request/resource
// lookup the rest of the framework uses to find "who owns this key" across
// a fleet of processes, and to fan out list-changed and resource-updated
// notifications to whichever node is holding the stream.
//
// Grounded on pkg/mcp/operations.go's OperationRegistry: a sync.Map-backed
// local table plus subject-namespaced NATS publish/subscribe for
// cross-process visibility (operations.{owner}.{id}.{event} there becomes
// tracker.{topic}.{verb}.{key} here). Unlike OperationRegistry, which only
// ever publishes, the Tracker also answers "who has this" via NATS
// request-reply, since more than one node may hold a local entry for the
// same topic over the cluster's lifetime (a session's stream migrating
// across a restart, for instance).
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Topic is one of the Tracker's three cluster-wide tables.
type Topic string

const (
	TopicSessions  Topic = "sessions"
	TopicRequests  Topic = "requests"
	TopicResources Topic = "resources"
)

// ErrNotAvailable is returned by any operation that requires the pub/sub
// substrate when the Tracker was constructed without one.
var ErrNotAvailable = errors.New("not_available")

const lookupTimeout = 250 * time.Millisecond

// Entry is one tracked (topic, key) pair.
type Entry struct {
	Key      string            `json:"key"`
	NodeID   string            `json:"node_id"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Handle is the in-process reference (a *session.Session, for example).
	// It is only populated for entries owned by this node; remote entries
	// carry nil.
	Handle any `json:"-"`
}

// Tracker is a cluster-aware registry of live processes keyed by session
// id, request id, or resource URI.
type Tracker struct {
	nc     *nats.Conn
	nodeID string
	log    *zap.Logger

	mu        sync.RWMutex
	local     map[Topic]map[string]*Entry
	responder map[Topic]map[string]*nats.Subscription
}

// New constructs a Tracker. A nil nc puts the Tracker in degraded,
// local-only mode: Track/Untrack/Get still work within this process, but
// Broadcast, Subscribe, and cross-node Get all return ErrNotAvailable.
func New(nc *nats.Conn, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		nc:     nc,
		nodeID: uuid.New().String(),
		log:    log,
		local: map[Topic]map[string]*Entry{
			TopicSessions:  {},
			TopicRequests:  {},
			TopicResources: {},
		},
		responder: map[Topic]map[string]*nats.Subscription{
			TopicSessions:  {},
			TopicRequests:  {},
			TopicResources: {},
		},
	}
}

// Available reports whether the Tracker has a pub/sub substrate and can
// therefore support cluster-wide operations.
func (t *Tracker) Available() bool {
	return t.nc != nil
}

// Track registers handle as the local owner of (topic, key), answers
// cluster-wide Get requests for it while it remains tracked, and
// publishes a join broadcast.
func (t *Tracker) Track(topic Topic, key string, handle any, meta map[string]string) error {
	entry := &Entry{Key: key, NodeID: t.nodeID, Metadata: meta, Handle: handle}

	t.mu.Lock()
	t.local[topic][key] = entry
	t.mu.Unlock()

	if !t.Available() {
		return nil
	}

	getSubject := t.subject(topic, "get", key)
	sub, err := t.nc.Subscribe(getSubject, func(msg *nats.Msg) {
		data, err := json.Marshal(&Entry{Key: key, NodeID: t.nodeID, Metadata: meta})
		if err != nil {
			t.log.Warn("tracker: marshal get reply failed", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			t.log.Warn("tracker: respond to get failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("tracker: subscribe responder: %w", err)
	}

	t.mu.Lock()
	t.responder[topic][key] = sub
	t.mu.Unlock()

	return t.publishEvent(topic, "join", key, entry)
}

// Untrack removes the local owner of (topic, key) and publishes a leave
// broadcast.
func (t *Tracker) Untrack(topic Topic, key string) error {
	t.mu.Lock()
	entry, had := t.local[topic][key]
	delete(t.local[topic], key)
	sub := t.responder[topic][key]
	delete(t.responder[topic], key)
	t.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			t.log.Warn("tracker: unsubscribe responder failed", zap.Error(err))
		}
	}
	if !had || !t.Available() {
		return nil
	}
	return t.publishEvent(topic, "leave", key, entry)
}

// Get resolves (topic, key) to its owning Entry, preferring a local match.
// If isAlive is non-nil and a local entry's handle fails it, the entry is
// proactively untracked before falling through to a cluster-wide lookup.
// With no pub/sub substrate, only local matches are possible.
func (t *Tracker) Get(topic Topic, key string, isAlive func(handle any) bool) (*Entry, bool) {
	t.mu.RLock()
	entry, ok := t.local[topic][key]
	t.mu.RUnlock()

	if ok {
		if isAlive == nil || isAlive(entry.Handle) {
			return entry, true
		}
		_ = t.Untrack(topic, key)
		ok = false
	}

	if !t.Available() {
		return nil, false
	}

	reply, err := t.nc.Request(t.subject(topic, "get", key), nil, lookupTimeout)
	if err != nil {
		return nil, false
	}
	var remote Entry
	if err := json.Unmarshal(reply.Data, &remote); err != nil {
		t.log.Warn("tracker: unmarshal get reply failed", zap.Error(err))
		return nil, false
	}
	remote.Handle = nil
	return &remote, true
}

// Broadcast fans payload out to every node subscribed to (topic, key) —
// the mechanism behind list-changed and resource-updated notifications.
func (t *Tracker) Broadcast(topic Topic, key string, payload []byte) error {
	if !t.Available() {
		return ErrNotAvailable
	}
	return t.nc.Publish(t.subject(topic, "broadcast", key), payload)
}

// Subscribe listens for broadcasts on (topic, key), invoking handler for
// each. The returned func removes the subscription.
func (t *Tracker) Subscribe(topic Topic, key string, handler func(payload []byte)) (func() error, error) {
	if !t.Available() {
		return nil, ErrNotAvailable
	}
	sub, err := t.nc.Subscribe(t.subject(topic, "broadcast", key), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: subscribe broadcast: %w", err)
	}
	return sub.Unsubscribe, nil
}

func (t *Tracker) publishEvent(topic Topic, verb, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tracker: marshal %s event: %w", verb, err)
	}
	if err := t.nc.Publish(t.subject(topic, verb, key), data); err != nil {
		return fmt.Errorf("tracker: publish %s event: %w", verb, err)
	}
	return nil
}

func (t *Tracker) subject(topic Topic, verb, key string) string {
	return fmt.Sprintf("tracker.%s.%s.%s", topic, verb, key)
}

// Sweep runs the periodic dead-entry GC pass (spec.md §4.5's "dead
// processes encountered in a lookup are proactively untracked" made
// proactive instead of lazy): every local entry across all three topics
// is checked with isAlive, and untracked when it fails. It is the
// belt-and-suspenders the pack repeatedly reaches for alongside
// lazy clear-on-lookup; callers typically run it on a ticker (see
// cmd/mcpkit-server's cron-scheduled sweep).
func (t *Tracker) Sweep(isAlive func(handle any) bool) int {
	if isAlive == nil {
		return 0
	}

	type dead struct {
		topic Topic
		key   string
	}
	var stale []dead

	t.mu.RLock()
	for topic, entries := range t.local {
		for key, entry := range entries {
			if !isAlive(entry.Handle) {
				stale = append(stale, dead{topic, key})
			}
		}
	}
	t.mu.RUnlock()

	for _, d := range stale {
		if err := t.Untrack(d.topic, d.key); err != nil {
			t.log.Warn("tracker: sweep untrack failed", zap.String("topic", string(d.topic)), zap.String("key", d.key), zap.Error(err))
		}
	}
	return len(stale)
}
