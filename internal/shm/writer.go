package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/drivepipe/internal/monitoring"
)

// Writer is the single owner of a channel. Write and Close may be called
// from different goroutines.
type Writer struct {
	topic  string
	opts   Options
	region *region

	mu        sync.Mutex // serialises Write against release
	version   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Create allocates a channel for topic with room for opts.Capacity payload
// bytes. A leftover file from an earlier run is reinitialised.
func Create(topic string, opts Options) (*Writer, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("shm: capacity must be positive, got %d", opts.Capacity)
	}
	r, err := createRegion(opts.dir(), topic, dataOffset+opts.Capacity)
	if err != nil {
		return nil, err
	}

	r.store(wordCapacity, uint64(opts.Capacity))
	r.store(wordPolicy, uint64(opts.Policy.kind))
	r.store(wordCount, uint64(opts.Policy.count))
	r.store(wordWriter, uint64(os.Getpid()))
	r.store(wordMagic, channelMagic)

	logs.Diagf("created channel %s capacity=%d policy=%s", topic, opts.Capacity, opts.Policy)
	return &Writer{topic: topic, opts: opts, region: r}, nil
}

// Topic returns the channel name.
func (w *Writer) Topic() string { return w.topic }

// Version returns the last version this writer published.
func (w *Writer) Version() uint64 { return w.version.Load() }

// Capacity returns the maximum payload size.
func (w *Writer) Capacity() int { return w.opts.Capacity }

// Write publishes payload as the next version. Under a Count or All policy it
// first waits for readers to consume the prior version; the wait ends early
// when ctx is done or the channel is closed.
func (w *Writer) Write(ctx context.Context, payload []byte) error {
	if len(payload) > w.opts.Capacity {
		return fmt.Errorf("%w: %s: %d > %d bytes", ErrSizeExceeded, w.topic, len(payload), w.opts.Capacity)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrChannelClosed
	}
	if err := w.waitConsumed(ctx, w.opts.Policy, w.version.Load(), nil); err != nil {
		return err
	}

	r := w.region
	seq := r.load(wordSeq)
	r.store(wordSeq, seq+1)
	copy(r.payload(len(payload)), payload)
	r.store(wordLength, uint64(len(payload)))
	next := w.version.Load() + 1
	r.store(wordVersion, next)
	r.store(wordSeq, seq+2)
	w.version.Store(next)

	monitoring.ChannelWrites.WithLabelValues(w.topic).Inc()
	logs.Tracef("%s: wrote version %d (%d bytes)", w.topic, next, len(payload))
	return nil
}

// Readers returns the number of attached readers.
func (w *Writer) Readers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.region.mem == nil {
		return 0
	}
	_, active := w.countConsumed(0)
	return active
}

// countConsumed returns how many active readers have acknowledged version v
// or later, and how many readers are active. Slots of dead processes are
// released on the way.
func (w *Writer) countConsumed(v uint64) (consumed, active int) {
	r := w.region
	for i := 0; i < MaxReaders; i++ {
		state := r.slot(i, 0)
		if atomic.LoadUint64(state) != slotActive {
			continue
		}
		pid := atomic.LoadUint64(r.slot(i, 1))
		if !processAlive(pid) {
			if atomic.CompareAndSwapUint64(state, slotActive, slotFree) {
				logs.Opsf("%s: reclaimed reader slot %d of exited pid %d", w.topic, i, pid)
			}
			continue
		}
		active++
		if atomic.LoadUint64(r.slot(i, 2)) >= v {
			consumed++
		}
	}
	return consumed, active
}

// waitConsumed blocks until policy is satisfied for version v. A nil
// deadline means no bound beyond ctx and close.
func (w *Writer) waitConsumed(ctx context.Context, policy WaitPolicy, v uint64, deadline <-chan time.Time) error {
	if !policy.Blocking() || v == 0 {
		return nil
	}
	b := newBackoff(w.opts.pollInterval())
	defer b.stop()
	for {
		if consumed, active := w.countConsumed(v); policy.satisfied(consumed, active) {
			return nil
		}
		if deadline == nil && w.closed.Load() {
			return ErrChannelClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errDrainTimeout
		case <-b.wait():
		}
	}
}

var errDrainTimeout = errors.New("shm: drain timeout")

// Close marks the channel terminal. Readers drain any unread version and
// then see ErrChannelClosed. Under a waiting policy Close gives readers up to
// DrainTimeout to consume the final version, then unlinks the file. Calling
// Close more than once is safe.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		// A Write blocked on its policy sees closed and releases the lock.
		// The shared flag is set under the lock, after any in-flight Write
		// has published its version.
		w.closed.Store(true)
		w.mu.Lock()
		defer w.mu.Unlock()

		r := w.region
		for {
			flags := r.load(wordFlags)
			if atomicCAS(r.word(wordFlags), flags, flags|flagClosed) {
				break
			}
		}

		timer := time.NewTimer(w.opts.drainTimeout())
		defer timer.Stop()
		if err := w.waitConsumed(context.Background(), w.opts.Policy, w.version.Load(), timer.C); err != nil {
			logs.Opsf("%s: closing with final version %d unconsumed: %v", w.topic, w.version.Load(), err)
		}

		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			w.closeErr = fmt.Errorf("failed to unlink channel %s: %w", w.topic, err)
		}
		if err := r.unmap(); err != nil && w.closeErr == nil {
			w.closeErr = fmt.Errorf("failed to unmap channel %s: %w", w.topic, err)
		}
		logs.Diagf("closed channel %s at version %d", w.topic, w.version.Load())
	})
	return w.closeErr
}

func atomicCAS(p *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(p, old, new)
}

// backoff doubles a sleep from 50µs up to max.
type backoff struct {
	cur, max time.Duration
	timer    *time.Timer
}

func newBackoff(max time.Duration) *backoff {
	start := 50 * time.Microsecond
	if start > max {
		start = max
	}
	return &backoff{cur: start, max: max}
}

func (b *backoff) wait() <-chan time.Time {
	if b.timer == nil {
		b.timer = time.NewTimer(b.cur)
	} else {
		b.timer.Reset(b.cur)
	}
	if b.cur *= 2; b.cur > b.max {
		b.cur = b.max
	}
	return b.timer.C
}

func (b *backoff) stop() {
	if b.timer != nil {
		b.timer.Stop()
	}
}
