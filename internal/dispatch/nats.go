package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Dispatcher is the sink for async work: queued actions, transition events
// and staleness alerts. Consumers live outside this service.
type Dispatcher interface {
	PublishAction(ctx context.Context, subject string, payload any) error
	PublishEvent(ctx context.Context, subject string, payload any) error
	SubscribeDurable(subject, consumer string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
	Close()
}

type Options struct {
	Enabled       bool
	Embedded      bool
	URL           string
	Stream        string
	SubjectPrefix string
}

func DefaultOptions() Options {
	return Options{
		Enabled:       true,
		Embedded:      true,
		Stream:        "FLOWLINE",
		SubjectPrefix: "flowline",
	}
}

// NATSDispatcher publishes JSON messages to a JetStream stream, optionally
// backed by an embedded server for single-binary deployments and tests.
type NATSDispatcher struct {
	opts   Options
	server *natsserver.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
}

// New starts a dispatcher, or returns (nil, nil) when disabled. Callers must
// keep a disabled dispatcher out of the Dispatcher interface: a typed nil
// stored in the interface would defeat downstream nil checks.
func New(opts Options) (*NATSDispatcher, error) {
	if !opts.Enabled {
		return nil, nil
	}

	d := &NATSDispatcher{opts: opts}
	if opts.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{Port: -1, JetStream: true})
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return nil, fmt.Errorf("embedded nats failed to start")
		}
		d.server = srv
		d.opts.URL = fmt.Sprintf("nats://%s", srv.Addr().String())
	}

	conn, err := nats.Connect(d.opts.URL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	d.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to init jetstream: %w", err)
	}
	d.js = js

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{fmt.Sprintf("%s.>", d.opts.SubjectPrefix)},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		d.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return d, nil
}

// NewEmbeddedForTests starts a throwaway embedded dispatcher with memory
// storage semantics suitable for tests.
func NewEmbeddedForTests() (*NATSDispatcher, error) {
	return New(Options{
		Enabled:       true,
		Embedded:      true,
		Stream:        "FLOWLINE_TEST",
		SubjectPrefix: "flowline",
	})
}

// PublishAction enqueues an async transition action for an external worker.
func (d *NATSDispatcher) PublishAction(ctx context.Context, subject string, payload any) error {
	return d.publishJSON(subject, payload)
}

// PublishEvent emits a fire-and-forget event (transition committed, stale
// entity detected).
func (d *NATSDispatcher) PublishEvent(ctx context.Context, subject string, payload any) error {
	return d.publishJSON(subject, payload)
}

func (d *NATSDispatcher) publishJSON(subject string, payload any) error {
	if d == nil || d.js == nil {
		return fmt.Errorf("dispatcher is not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}

	full := fmt.Sprintf("%s.%s", d.opts.SubjectPrefix, subject)
	if _, err := d.js.Publish(full, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", full, err)
	}
	return nil
}

// SubscribeDurable attaches a durable consumer to a subject under the
// dispatcher's prefix.
func (d *NATSDispatcher) SubscribeDurable(subject, consumer string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	if d == nil || d.js == nil {
		return nil, fmt.Errorf("dispatcher is not connected")
	}
	full := fmt.Sprintf("%s.%s", d.opts.SubjectPrefix, subject)
	return d.js.Subscribe(full, handler, nats.Durable(consumer), nats.ManualAck())
}

func (d *NATSDispatcher) Close() {
	if d == nil {
		return
	}
	if d.conn != nil {
		d.conn.Close()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
}
