package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/drivepipe/internal/monitoring"
)

// Message is one consumed channel value.
type Message struct {
	Version uint64
	Payload []byte
}

// Reader is attached to one channel and remembers the last version it
// consumed. A Reader is not safe for concurrent use.
type Reader struct {
	topic    string
	opts     Options
	region   *region
	capacity int
	slot     int

	last    uint64
	skipped uint64

	closeOnce sync.Once
}

// Open attaches a reader to an existing topic. It returns ErrChannelNotFound
// when no writer has created it yet.
func Open(topic string, opts Options) (*Reader, error) {
	r, err := openRegion(opts.dir(), topic, channelMagic, dataOffset)
	if err != nil {
		return nil, err
	}
	capacity := int(r.load(wordCapacity))
	if capacity <= 0 || dataOffset+capacity > len(r.mem) {
		r.unmap()
		return nil, fmt.Errorf("%w: %s: capacity %d does not fit %d byte region", ErrCorrupt, topic, capacity, len(r.mem))
	}

	slot := -1
	for i := 0; i < MaxReaders; i++ {
		if atomic.CompareAndSwapUint64(r.slot(i, 0), slotFree, slotClaiming) {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.unmap()
		return nil, fmt.Errorf("%w: %s", ErrNoReaderSlot, topic)
	}
	atomic.StoreUint64(r.slot(slot, 1), uint64(os.Getpid()))
	atomic.StoreUint64(r.slot(slot, 2), 0)
	atomic.StoreUint64(r.slot(slot, 0), slotActive)

	logs.Diagf("attached reader to %s (slot %d)", topic, slot)
	return &Reader{topic: topic, opts: opts, region: r, capacity: capacity, slot: slot}, nil
}

// Topic returns the channel name.
func (r *Reader) Topic() string { return r.topic }

// LastVersion returns the last version this reader consumed, 0 if none.
func (r *Reader) LastVersion() uint64 { return r.last }

// Skipped returns how many versions were replaced before this reader saw them.
func (r *Reader) Skipped() uint64 { return r.skipped }

// Read returns the stored payload if its version is newer than the last one
// this reader consumed. In NonBlocking mode it returns ErrNoNewVersion
// otherwise; in Blocking mode it waits for a newer version, close, or ctx.
// Once the channel is closed and the final version has been consumed, Read
// returns ErrChannelClosed.
func (r *Reader) Read(ctx context.Context, mode ReadMode) (Message, error) {
	if r.region == nil || r.region.mem == nil {
		return Message{}, ErrChannelClosed
	}
	msg, err := r.tryRead()
	if mode == NonBlocking || !errors.Is(err, ErrNoNewVersion) {
		return msg, err
	}

	b := newBackoff(r.opts.pollInterval())
	defer b.stop()
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-b.wait():
		}
		msg, err = r.tryRead()
		if !errors.Is(err, ErrNoNewVersion) {
			return msg, err
		}
	}
}

// maxSpins bounds how long a reader retries while a write is in progress
// before treating the attempt as "nothing new yet".
const maxSpins = 1000

func (r *Reader) tryRead() (Message, error) {
	reg := r.region
	// Load closed before version: the writer sets closed under its write
	// lock, after the final version, so a reader that sees closed also sees
	// that version.
	closed := reg.load(wordFlags)&flagClosed != 0
	if reg.load(wordVersion) <= r.last {
		if closed {
			return Message{}, ErrChannelClosed
		}
		return Message{}, ErrNoNewVersion
	}

	for spin := 0; spin < maxSpins; spin++ {
		s1 := reg.load(wordSeq)
		if s1&1 == 1 {
			runtime.Gosched()
			continue
		}
		v := reg.load(wordVersion)
		n := int(reg.load(wordLength))
		if n > r.capacity {
			runtime.Gosched()
			continue
		}
		buf := make([]byte, n)
		copy(buf, reg.payload(n))
		if reg.load(wordSeq) != s1 {
			continue
		}
		r.consumed(v)
		return Message{Version: v, Payload: buf}, nil
	}
	return Message{}, ErrNoNewVersion
}

func (r *Reader) consumed(v uint64) {
	if r.last != 0 && v > r.last+1 {
		gap := v - r.last - 1
		r.skipped += gap
		monitoring.ChannelSkips.WithLabelValues(r.topic).Add(float64(gap))
	}
	r.last = v
	atomic.StoreUint64(r.region.slot(r.slot, 2), v)
	monitoring.ChannelReads.WithLabelValues(r.topic).Inc()
}

// Close releases the reader slot and unmaps the region. The channel itself
// stays open for other readers.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.region == nil {
			return
		}
		atomic.StoreUint64(r.region.slot(r.slot, 0), slotFree)
		err = r.region.unmap()
	})
	return err
}
