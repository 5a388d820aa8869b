// Package inmem implements remotes.Transport over in-process channels,
// for tests and for clones that share a process.
package inmem

import (
	"strings"
	"sync"
)

// Broker is a shared, in-process pub/sub fabric. Every Transport opened
// against the same Broker observes every other Transport's publishes,
// modelling a domain's shared topic space. Subscriptions may end in a
// single "+" segment, matching exactly one topic segment there, the
// same semantics as an MQTT single-level wildcard.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string][]func(payload []byte)
	retained    map[string][]byte
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]func(payload []byte)),
		retained:    make(map[string][]byte),
	}
}

func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i, seg := range p {
		if seg == "+" {
			continue
		}
		if seg != t[i] {
			return false
		}
	}
	return true
}

// Transport is one clone's handle onto a Broker.
type Transport struct {
	broker *Broker
	closed bool
	mu     sync.Mutex
}

// NewTransport opens a Transport against broker.
func NewTransport(broker *Broker) *Transport {
	return &Transport{broker: broker}
}

func (t *Transport) Publish(topic string, payload []byte) error {
	t.broker.mu.Lock()
	var handlers []func([]byte)
	for pattern, hs := range t.broker.subscribers {
		if topicMatches(pattern, topic) {
			handlers = append(handlers, hs...)
		}
	}
	t.broker.mu.Unlock()
	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

// PublishRetained publishes payload and keeps it as the topic's
// retained value, replayed to any future Subscribe whose pattern
// matches topic.
func (t *Transport) PublishRetained(topic string, payload []byte) error {
	t.broker.mu.Lock()
	t.broker.retained[topic] = append([]byte(nil), payload...)
	t.broker.mu.Unlock()
	return t.Publish(topic, payload)
}

func (t *Transport) Subscribe(topic string, handler func(payload []byte)) error {
	t.broker.mu.Lock()
	t.broker.subscribers[topic] = append(t.broker.subscribers[topic], handler)
	var replay [][]byte
	for retainedTopic, payload := range t.broker.retained {
		if topicMatches(topic, retainedTopic) {
			replay = append(replay, payload)
		}
	}
	t.broker.mu.Unlock()
	for _, payload := range replay {
		handler(append([]byte(nil), payload...))
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
