package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"eventbus/internal/backoff"
	"eventbus/internal/domain/event"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// ErrTopologyConflict means a declared topic already exists with different
// parameters. This is a fatal configuration error surfaced at startup.
var ErrTopologyConflict = errors.New("topology conflict")

// HeaderFailureReason and HeaderAttempts annotate dead-lettered messages.
const (
	HeaderFailureReason = "failure_reason"
	HeaderAttempts      = "attempts"
)

type Config struct {
	Brokers  []string
	User     string
	Password string
}

// Manager owns the process-wide broker connection state: one shared client
// for topology declarations, one writer per exchange for publishing, and a
// reader per queue handed out via Receive. Writers and readers are not shared
// across those roles; each consume loop owns its reader.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	client *kafka.Client
	dialer *kafka.Dialer
	retry  backoff.Policy

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	var mech sasl.Mechanism
	if cfg.User != "" {
		mech = plain.Mechanism{Username: cfg.User, Password: cfg.Password}
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     false, // Force IPv4
		SASLMechanism: mech,
	}

	client := &kafka.Client{
		Addr:      kafka.TCP(cfg.Brokers...),
		Timeout:   10 * time.Second,
		Transport: &kafka.Transport{SASL: mech},
	}

	return &Manager{
		cfg:     cfg,
		log:     log,
		client:  client,
		dialer:  dialer,
		retry:   backoff.Default(),
		writers: make(map[string]*kafka.Writer),
	}
}

// WaitReady blocks until a broker accepts a connection, retrying with
// exponential backoff for as long as the context allows. Every failed attempt
// is logged.
func (m *Manager) WaitReady(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		conn, err := m.dialer.DialContext(ctx, "tcp", m.cfg.Brokers[0])
		if err == nil {
			conn.Close()
			if attempt > 1 {
				m.log.Info("broker connection established", "attempt", attempt)
			}
			return nil
		}

		delay := m.retry.Delay(attempt)
		m.log.Error("broker unreachable, retrying", "error", err, "attempt", attempt, "backoff", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", event.ErrBrokerUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// EnsureTopology declares every topic the topology implies. Declaring an
// existing topic with identical parameters is a no-op; an existing topic with
// a different partition count fails with ErrTopologyConflict.
func (m *Manager) EnsureTopology(ctx context.Context, topo Topology) error {
	topics := topo.topics()
	if len(topics) == 0 {
		return nil
	}

	resp, err := m.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: topics})
	if err != nil {
		return fmt.Errorf("%w: create topics: %v", event.ErrBrokerUnavailable, err)
	}

	var existing []string
	for topic, terr := range resp.Errors {
		switch {
		case terr == nil:
			m.log.Info("declared topic", "topic", topic)
		case errors.Is(terr, kafka.TopicAlreadyExists):
			existing = append(existing, topic)
		default:
			return fmt.Errorf("declare topic %s: %w", topic, terr)
		}
	}

	if len(existing) == 0 {
		return nil
	}
	return m.verifyExisting(ctx, topo, existing)
}

func (m *Manager) verifyExisting(ctx context.Context, topo Topology, topics []string) error {
	meta, err := m.client.Metadata(ctx, &kafka.MetadataRequest{Topics: topics})
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", event.ErrBrokerUnavailable, err)
	}

	want := topo.partitions()
	for _, t := range meta.Topics {
		if t.Error != nil {
			return fmt.Errorf("describe topic %s: %w", t.Name, t.Error)
		}
		if got := len(t.Partitions); got != want {
			return fmt.Errorf("%w: topic %s has %d partitions, declared %d",
				ErrTopologyConflict, t.Name, got, want)
		}
	}
	return nil
}

// Send publishes one confirmed message to an exchange. The write blocks until
// every in-sync replica acknowledges it or the context expires. Infrastructure
// failures are reported as ErrBrokerUnavailable.
func (m *Manager) Send(ctx context.Context, exchange string, key, value []byte, headers map[string]string) error {
	w, err := m.writer(exchange)
	if err != nil {
		return err
	}

	msg := kafka.Message{Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := w.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send to %s: %w", exchange, ctx.Err())
		}
		return fmt.Errorf("send to %s: %w: %v", exchange, event.ErrBrokerUnavailable, err)
	}
	return nil
}

// DeadLetter moves a raw message to the queue's dead-letter topic, annotated
// with the failure reason and the number of delivery attempts made.
func (m *Manager) DeadLetter(ctx context.Context, queue string, raw []byte, reason string, attempts int) error {
	headers := map[string]string{
		HeaderFailureReason: reason,
		HeaderAttempts:      strconv.Itoa(attempts),
	}
	return m.Send(ctx, DeadLetterQueue(queue), nil, raw, headers)
}

func (m *Manager) writer(topic string) (*kafka.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: manager closed", event.ErrBrokerUnavailable)
	}
	if w, ok := m.writers[topic]; ok {
		return w, nil
	}

	var transport kafka.RoundTripper
	if m.cfg.User != "" {
		transport = &kafka.Transport{SASL: plain.Mechanism{Username: m.cfg.User, Password: m.cfg.Password}}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(m.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		BatchTimeout: 20 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Transport:    transport,
		Async:        false,
	}
	m.writers[topic] = w
	return w, nil
}

// Receive opens one membership on the queue for a binding. Group offset
// commits cover every partition the membership holds, so each consuming
// worker opens its own; sharing one reader across workers can commit past a
// message still in flight.
func (m *Manager) Receive(b Binding) *Queue {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     m.cfg.Brokers,
		Topic:       b.Exchange,
		GroupID:     b.Queue(),
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		Dialer:      m.dialer,
		StartOffset: kafka.FirstOffset,
	})
	return &Queue{name: b.Queue(), reader: r}
}

// ReceiveTopic opens a plain consumer-group reader on a topic that is not an
// exchange binding, e.g. a dead-letter topic drained by the archiver.
func (m *Manager) ReceiveTopic(topic, groupID string) *Queue {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     m.cfg.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
		Dialer:      m.dialer,
		StartOffset: kafka.FirstOffset,
	})
	return &Queue{name: topic, reader: r}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	var firstErr error
	for topic, w := range m.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer %s: %w", topic, err)
		}
	}
	m.writers = make(map[string]*kafka.Writer)
	return firstErr
}
