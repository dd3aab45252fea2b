package websocket

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/metrics"
)

// Subscription is one (connection, topic) entry. Filter holds the
// equality predicates the subscriber asked for; an empty filter matches
// every event on the topic.
type Subscription struct {
	Topic        string
	Filter       map[string]string
	SubscribedAt time.Time
}

// allowedFilterKeys lists the predicates each topic understands. Stats
// carries no events, so it accepts no predicates either.
var allowedFilterKeys = map[string]map[string]bool{
	events.TopicWork: {
		"status": true, "capability": true, "boundary": true,
		"taskId": true, "assignedTo": true,
	},
	events.TopicAgents: {
		"agentType": true, "status": true, "capability": true,
		"boundary": true, "guid": true,
	},
	events.TopicTargets: {
		"agentType": true, "mechanism": true, "targetId": true,
		"status": true, "capability": true, "boundary": true,
	},
	events.TopicStats: {},
}

// Subscriptions maps connection ids to their per-topic subscriptions and
// keeps the inverse index used for fan-out. At most one subscription
// exists per (connection, topic); re-subscribing replaces the filter.
type Subscriptions struct {
	mu      sync.RWMutex
	byConn  map[string]map[string]*Subscription
	byTopic map[string]map[string]bool
}

// NewSubscriptions creates an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		byConn:  make(map[string]map[string]*Subscription),
		byTopic: make(map[string]map[string]bool),
	}
}

// Subscribe records a subscription, replacing any existing entry for the
// same (connection, topic). Unknown topics and filter keys are rejected.
func (s *Subscriptions) Subscribe(connID, topic string, filter map[string]string) error {
	if !events.ValidTopic(topic) {
		return fmt.Errorf("Unknown topic: %s", topic)
	}
	allowed := allowedFilterKeys[topic]
	for key := range filter {
		if !allowed[key] {
			return fmt.Errorf("Unknown filter key for topic %s: %s", topic, key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byConn[connID] == nil {
		s.byConn[connID] = make(map[string]*Subscription)
	}
	if _, replacing := s.byConn[connID][topic]; !replacing {
		metrics.WSSubscriptionsActive.Inc()
	}
	s.byConn[connID][topic] = &Subscription{
		Topic:        topic,
		Filter:       filter,
		SubscribedAt: time.Now().UTC(),
	}
	if s.byTopic[topic] == nil {
		s.byTopic[topic] = make(map[string]bool)
	}
	s.byTopic[topic][connID] = true
	return nil
}

// Unsubscribe drops the (connection, topic) entry.
func (s *Subscriptions) Unsubscribe(connID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byConn[connID][topic]; !ok {
		return fmt.Errorf("Not subscribed to topic: %s", topic)
	}
	s.drop(connID, topic)
	return nil
}

// UnsubscribeAll drops every subscription of a connection. Calling it for
// an unknown connection is a no-op.
func (s *Subscriptions) UnsubscribeAll(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic := range s.byConn[connID] {
		s.drop(connID, topic)
	}
}

// drop removes one entry. Caller holds the lock.
func (s *Subscriptions) drop(connID, topic string) {
	delete(s.byConn[connID], topic)
	if len(s.byConn[connID]) == 0 {
		delete(s.byConn, connID)
	}
	delete(s.byTopic[topic], connID)
	if len(s.byTopic[topic]) == 0 {
		delete(s.byTopic, topic)
	}
	metrics.WSSubscriptionsActive.Dec()
}

// Fanout returns each connection id exactly once whose subscription on
// the event's topic matches the event. Order is deterministic so event
// delivery is reproducible.
func (s *Subscriptions) Fanout(topic string, evt *events.Event) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for connID := range s.byTopic[topic] {
		if sub := s.byConn[connID][topic]; sub != nil && sub.matches(evt) {
			out = append(out, connID)
		}
	}
	sort.Strings(out)
	return out
}

// StatsSubscribers returns the connections subscribed to the stats topic.
func (s *Subscriptions) StatsSubscribers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byTopic[events.TopicStats]))
	for connID := range s.byTopic[events.TopicStats] {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// Get returns the subscription a connection holds on a topic, if any.
func (s *Subscriptions) Get(connID, topic string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byConn[connID][topic]
	return sub, ok
}

// Count returns the total number of live subscriptions.
func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, topics := range s.byConn {
		n += len(topics)
	}
	return n
}

// ConnCount returns the number of subscriptions one connection holds.
func (s *Subscriptions) ConnCount(connID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConn[connID])
}

// matches evaluates the filter as a conjunction of equality predicates.
// A predicate over a field the event does not carry accepts the event;
// filters narrow what a subscriber sees, they never guarantee fields.
func (sub *Subscription) matches(evt *events.Event) bool {
	if len(sub.Filter) == 0 {
		return true
	}
	switch sub.Topic {
	case events.TopicWork:
		return matchWork(sub.Filter, evt)
	case events.TopicAgents:
		return matchAgents(sub.Filter, evt)
	case events.TopicTargets:
		return matchTargets(sub.Filter, evt)
	}
	return true
}

func matchWork(filter map[string]string, evt *events.Event) bool {
	payload, _ := evt.Data.(*events.WorkEventPayload)
	for key, want := range filter {
		switch key {
		case "status":
			// The status predicate compares against the bucket the event
			// kind implies, not a payload field.
			if got := events.WorkStatusBucket(evt.Type); got != "" && got != want {
				return false
			}
		case "capability":
			if payload != nil && payload.Capability != "" && payload.Capability != want {
				return false
			}
		case "boundary":
			if payload != nil && payload.Boundary != "" && payload.Boundary != want {
				return false
			}
		case "taskId":
			if payload != nil && payload.TaskID != "" && payload.TaskID != want {
				return false
			}
		case "assignedTo":
			if payload != nil && payload.AssignedTo != "" && payload.AssignedTo != want {
				return false
			}
		}
	}
	return true
}

func matchAgents(filter map[string]string, evt *events.Event) bool {
	payload, _ := evt.Data.(*events.AgentEventPayload)
	if payload == nil {
		return true
	}
	for key, want := range filter {
		switch key {
		case "agentType":
			if payload.Agent.AgentType != "" && payload.Agent.AgentType != want {
				return false
			}
		case "guid":
			if payload.Agent.GUID != "" && payload.Agent.GUID != want {
				return false
			}
		case "status":
			if got := effectiveAgentStatus(evt.Type, payload); got != "" && got != want {
				return false
			}
		case "capability":
			if payload.Capabilities != nil && !containsString(payload.Capabilities, want) {
				return false
			}
		case "boundary":
			if payload.Boundaries != nil && !containsString(payload.Boundaries, want) {
				return false
			}
		}
	}
	return true
}

// effectiveAgentStatus resolves what an agent event says about status: a
// shutdown means offline regardless of payload, an update carries the
// new status, and everything else carries the plain status field.
func effectiveAgentStatus(eventType string, payload *events.AgentEventPayload) string {
	switch eventType {
	case events.AgentShutdown:
		return "offline"
	case events.AgentUpdated:
		if payload.NewStatus != "" {
			return payload.NewStatus
		}
	}
	return payload.Status
}

func matchTargets(filter map[string]string, evt *events.Event) bool {
	switch payload := evt.Data.(type) {
	case *events.TargetEventPayload:
		for key, want := range filter {
			switch key {
			case "targetId":
				if payload.TargetID != "" && payload.TargetID != want {
					return false
				}
			case "agentType":
				if payload.AgentType != "" && payload.AgentType != want {
					return false
				}
			case "mechanism":
				if payload.Mechanism != "" && payload.Mechanism != want {
					return false
				}
			case "status":
				got := payload.NewStatus
				if got == "" {
					got = payload.Status
				}
				if got != "" && got != want {
					return false
				}
			case "capability":
				if payload.Capabilities != nil && !containsString(payload.Capabilities, want) {
					return false
				}
			case "boundary":
				if payload.Boundaries != nil && !containsString(payload.Boundaries, want) {
					return false
				}
			}
		}
	case *events.SpinUpEventPayload:
		// Spin-up events ride the targets topic but carry only a subset
		// of the target fields; the rest accept by absence.
		for key, want := range filter {
			switch key {
			case "targetId":
				if payload.TargetID != "" && payload.TargetID != want {
					return false
				}
			case "mechanism":
				if payload.Mechanism != "" && payload.Mechanism != want {
					return false
				}
			}
		}
	}
	return true
}

func containsString(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}
