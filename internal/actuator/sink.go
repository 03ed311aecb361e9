package actuator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/monitoring"
)

var logs = monitoring.NewStreams("actuator")

// Sink accepts commands without blocking.
type Sink interface {
	Send(Command)
	Close() error
}

// Deliverer pushes one command over a link. It may block.
type Deliverer interface {
	Deliver(ctx context.Context, c Command) error
	Close() error
}

// Mailbox is a Sink holding at most one undelivered command. A Send that
// finds the previous command still waiting replaces it and counts a drop.
type Mailbox struct {
	name string
	d    Deliverer

	mu      sync.Mutex
	pending *Command
	wake    chan struct{}

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMailbox starts the delivery goroutine for d.
func NewMailbox(name string, d Deliverer) *Mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mailbox{
		name:   name,
		d:      d,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.loop(ctx)
	return m
}

// Send replaces any undelivered command with c.
func (m *Mailbox) Send(c Command) {
	m.sent.Add(1)
	m.mu.Lock()
	if m.pending != nil {
		m.dropped.Add(1)
		monitoring.SinkDrops.WithLabelValues(m.name).Inc()
	}
	m.pending = &c
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox) take() (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Command{}, false
	}
	c := *m.pending
	m.pending = nil
	return c, true
}

func (m *Mailbox) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			// Deliver what is left before stopping.
			if c, ok := m.take(); ok {
				m.deliver(context.WithoutCancel(ctx), c)
			}
			return
		case <-m.wake:
		}
		for {
			c, ok := m.take()
			if !ok {
				break
			}
			m.deliver(ctx, c)
		}
	}
}

func (m *Mailbox) deliver(ctx context.Context, c Command) {
	if err := m.d.Deliver(ctx, c); err != nil {
		m.failed.Add(1)
		monitoring.SinkErrors.WithLabelValues(m.name).Inc()
		logs.Diagf("%s: deliver frame %d: %v", m.name, c.FrameVersion, err)
		return
	}
	m.delivered.Add(1)
}

// Stats reports counters since the mailbox started.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Stats returns the mailbox counters.
func (m *Mailbox) Stats() Stats {
	return Stats{
		Sent:      m.sent.Load(),
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
		Failed:    m.failed.Load(),
	}
}

// Close delivers the last pending command, stops the goroutine and closes
// the deliverer.
func (m *Mailbox) Close() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		<-m.done
		err = m.d.Close()
		s := m.Stats()
		logs.Diagf("%s: sent %d, delivered %d, dropped %d, failed %d", m.name, s.Sent, s.Delivered, s.Dropped, s.Failed)
	})
	return err
}

// Discard is a Sink that ignores everything.
type Discard struct{}

func (Discard) Send(Command) {}
func (Discard) Close() error { return nil }

// FromConfig builds the configured sink.
func FromConfig(cfg *config.Config) (Sink, error) {
	switch kind := cfg.GetActuatorKind(); kind {
	case "none":
		return Discard{}, nil
	case "log":
		return NewMailbox("log", LogDeliverer{}), nil
	case "serial":
		opts := PortOptions{
			BaudRate: cfg.GetBaudRate(),
			DataBits: cfg.GetDataBits(),
			StopBits: cfg.GetStopBits(),
			Parity:   cfg.GetParity(),
		}
		d, err := OpenSerial(cfg.GetSerialPort(), opts)
		if err != nil {
			return nil, err
		}
		return NewMailbox("serial", d), nil
	case "http":
		d := NewHTTPDeliverer(cfg.GetActuatorURL(), NewStandardClient(nil), cfg.GetFailureLimit(), cfg.GetActuatorTimeout())
		return NewMailbox("http", d), nil
	default:
		return nil, config.Errorf("actuator.kind", "unknown actuator %q", kind)
	}
}

// LogDeliverer writes each command to the trace stream.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, c Command) error {
	logs.Tracef("%s", describe(c))
	return nil
}

func (LogDeliverer) Close() error { return nil }

func describe(c Command) string {
	s := fmt.Sprintf("frame %d: %s steering=%+.3f", c.FrameVersion, c.Directive, c.Steering)
	if c.HeadingError != nil {
		s += fmt.Sprintf(" heading=%+.2f", *c.HeadingError)
	}
	if c.LateralOffset != nil {
		s += fmt.Sprintf(" lateral=%+.3f", *c.LateralOffset)
	}
	return s
}
