// Package notify publishes acquisition state changes to NATS so remote
// observers can follow a synchronized acquisition without polling.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"

	"github.com/nasa-jpl/stemsync/event"
)

// ErrNotConnected is returned by Publish after Close
var ErrNotConnected = errors.New("not connected to NATS")

// StateChange is the message published when an acquisition starts or ends
type StateChange struct {
	Source   string    `json:"source"`
	Scanning bool      `json:"scanning"`
	Time     time.Time `json:"time"`
}

// Publisher publishes JSON messages on one subject
type Publisher struct {
	mu      sync.Mutex
	conn    *nats.Conn
	subject string

	// Source names the publisher in StateChange messages
	Source string
}

// Connect dials url, retrying with an exponential backoff for up to
// maxElapsed.  Once connected the client reconnects on its own.
func Connect(url, subject, source string, maxElapsed time.Duration) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(source),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	var conn *nats.Conn
	op := func() error {
		var err error
		conn, err = nats.Connect(url, opts...)
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}
	return &Publisher{conn: conn, subject: subject, Source: source}, nil
}

// Encode is the wire form of a StateChange
func Encode(c StateChange) ([]byte, error) {
	return json.Marshal(c)
}

// Publish encodes v as JSON and publishes it
func (p *Publisher) Publish(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotConnected
	}
	return p.conn.Publish(p.subject, b)
}

// Follow publishes a StateChange every time ev fires
func (p *Publisher) Follow(ev *event.Event[bool]) *event.Listener {
	return ev.Listen(func(scanning bool) {
		err := p.Publish(StateChange{Source: p.Source, Scanning: scanning, Time: time.Now().UTC()})
		if err != nil {
			log.Printf("notify: %v", err)
		}
	})
}

// Close drains pending messages and disconnects
func (p *Publisher) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Drain()
}
