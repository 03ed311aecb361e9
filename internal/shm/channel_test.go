package shm

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, capacity int, policy WaitPolicy) Options {
	t.Helper()
	return Options{
		Dir:          t.TempDir(),
		Capacity:     capacity,
		Policy:       policy,
		PollInterval: time.Millisecond,
		DrainTimeout: 100 * time.Millisecond,
	}
}

func newPair(t *testing.T, opts Options) (*Writer, *Reader) {
	t.Helper()
	w, err := Create("unit", opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	r, err := Open("unit", opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return w, r
}

func TestWriteRead_Roundtrip(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 64, PolicyNone))
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, []byte("frame-1")))
	msg, err := r.Read(ctx, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-1"), msg.Payload)
	assert.Equal(t, uint64(1), msg.Version)
	assert.Equal(t, w.Version(), msg.Version)

	_, err = r.Read(ctx, NonBlocking)
	assert.ErrorIs(t, err, ErrNoNewVersion)
}

func TestRead_ReturnsLatestAndCountsSkips(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 64, PolicyNone))
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, []byte("a")))
	msg, err := r.Read(ctx, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Version)

	for _, p := range []string{"b", "c", "d"} {
		require.NoError(t, w.Write(ctx, []byte(p)))
	}
	msg, err = r.Read(ctx, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), msg.Version)
	assert.Equal(t, []byte("d"), msg.Payload)
	assert.Equal(t, uint64(2), r.Skipped())
}

func TestWrite_EmptyPayload(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 8, PolicyNone))
	require.NoError(t, w.Write(context.Background(), nil))

	msg, err := r.Read(context.Background(), NonBlocking)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)
	assert.Equal(t, uint64(1), msg.Version)
}

func TestWrite_SizeExceededKeepsPriorVersion(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 4, PolicyNone))
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, []byte("ok")))
	err := w.Write(ctx, []byte("too large"))
	require.ErrorIs(t, err, ErrSizeExceeded)
	assert.Equal(t, uint64(1), w.Version())

	msg, err := r.Read(ctx, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), msg.Payload)
	assert.Equal(t, uint64(1), msg.Version)
}

func TestClose_DrainsUnreadVersionThenReportsClosed(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 16, PolicyNone))
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, []byte("last")))
	require.NoError(t, w.Close())

	msg, err := r.Read(ctx, Blocking)
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), msg.Payload)

	_, err = r.Read(ctx, Blocking)
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = r.Read(ctx, NonBlocking)
	assert.ErrorIs(t, err, ErrChannelClosed)

	assert.ErrorIs(t, w.Write(ctx, []byte("x")), ErrChannelClosed)
	assert.NoError(t, w.Close(), "second close is a no-op")
}

func TestClose_ConcurrentWithWriteDeliversFinalVersion(t *testing.T) {
	t.Parallel()
	for round := 0; round < 20; round++ {
		w, r := newPair(t, testOptions(t, 16, PolicyNone))
		ctx := context.Background()

		var written atomic.Uint64
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				if err := w.Write(ctx, []byte("frame")); err != nil {
					assert.ErrorIs(t, err, ErrChannelClosed)
					return
				}
				written.Add(1)
			}
		}()

		var last uint64
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				msg, err := r.Read(ctx, NonBlocking)
				if errors.Is(err, ErrChannelClosed) {
					return
				}
				if err == nil {
					last = msg.Version
				}
			}
		}()

		time.Sleep(time.Millisecond)
		require.NoError(t, w.Close())
		<-writerDone
		<-readerDone
		assert.Equal(t, written.Load(), last, "round %d: reader saw closed before the final version", round)
	}
}

func TestClose_UnlinksBackingFile(t *testing.T) {
	t.Parallel()
	opts := testOptions(t, 16, PolicyNone)
	w, err := Create("unit", opts)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Open("unit", opts)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestBlockingRead_WakesOnWrite(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 16, PolicyNone))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Write(context.Background(), []byte("late"))
	}()

	msg, err := r.Read(ctx, Blocking)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), msg.Payload)
}

func TestBlockingRead_WakesOnClose(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 16, PolicyNone))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Close()
	}()

	_, err := r.Read(ctx, Blocking)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestBlockingRead_HonoursContext(t *testing.T) {
	t.Parallel()
	_, r := newPair(t, testOptions(t, 16, PolicyNone))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Read(ctx, Blocking)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPolicyAll_WriterWaitsForConsumption(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 16, All()))
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, []byte("1")), "first write has nothing to wait for")

	var done atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Write(ctx, []byte("2"))
		done.Store(true)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, done.Load(), "write must wait until version 1 is consumed")

	msg, err := r.Read(ctx, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Version)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not resume after consumption")
	}

	msg, err = r.Read(ctx, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg.Version)
	assert.Zero(t, r.Skipped())
}

func TestPolicyAll_NoReadersDoesNotBlock(t *testing.T) {
	t.Parallel()
	opts := testOptions(t, 16, All())
	w, err := Create("unit", opts)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(ctx, []byte{byte(i)}))
	}
}

func TestPolicyCount_WaitIsCancellable(t *testing.T) {
	t.Parallel()
	opts := testOptions(t, 16, Count(1))
	w, err := Create("unit", opts)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = w.Write(ctx, []byte("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), w.Version())
}

func TestPolicyCount_CloseAbortsWaitingWrite(t *testing.T) {
	t.Parallel()
	w, _ := newPair(t, testOptions(t, 16, Count(1)))
	require.NoError(t, w.Write(context.Background(), []byte("1")))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Write(context.Background(), []byte("2")) }()
	time.Sleep(10 * time.Millisecond)

	go w.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not abort the waiting write")
	}
}

func TestPolicyAll_ReclaimsDeadReaderSlot(t *testing.T) {
	t.Parallel()
	opts := testOptions(t, 16, All())
	w, err := Create("unit", opts)
	require.NoError(t, err)
	defer w.Close()

	// Simulate a reader whose process has exited without releasing its slot.
	const deadPID = 1<<22 + 12345
	atomic.StoreUint64(w.region.slot(3, 1), deadPID)
	atomic.StoreUint64(w.region.slot(3, 2), 0)
	atomic.StoreUint64(w.region.slot(3, 0), slotActive)

	require.NoError(t, w.Write(context.Background(), []byte("1")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Write(ctx, []byte("2")))
	assert.Equal(t, slotFree, atomic.LoadUint64(w.region.slot(3, 0)))
}

func TestReaders_CountsAttachedReaders(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 16, PolicyNone))
	assert.Equal(t, 1, w.Readers())
	require.NoError(t, r.Close())
	assert.Equal(t, 0, w.Readers())
}

func TestOpen_MissingTopic(t *testing.T) {
	t.Parallel()
	_, err := Open("nope", Options{Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestCreate_RejectsInvalidTopic(t *testing.T) {
	t.Parallel()
	_, err := Create("../escape", Options{Dir: t.TempDir(), Capacity: 8})
	assert.Error(t, err)
	_, err = Create("ok", Options{Dir: t.TempDir()})
	assert.Error(t, err, "capacity is required")
}

func TestOpen_NoFreeSlot(t *testing.T) {
	t.Parallel()
	opts := testOptions(t, 8, PolicyNone)
	w, err := Create("unit", opts)
	require.NoError(t, err)
	defer w.Close()

	var readers []*Reader
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for i := 0; i < MaxReaders; i++ {
		r, err := Open("unit", opts)
		require.NoError(t, err)
		readers = append(readers, r)
	}
	_, err = Open("unit", opts)
	assert.ErrorIs(t, err, ErrNoReaderSlot)
}

func TestOpenWait_AttachesOnceCreated(t *testing.T) {
	t.Parallel()
	opts := testOptions(t, 16, PolicyNone)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	created := make(chan *Writer, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		w, err := Create("later", opts)
		if err == nil {
			created <- w
		}
	}()

	r, err := OpenWait(ctx, "later", opts)
	require.NoError(t, err)
	defer r.Close()
	w := <-created
	defer w.Close()

	require.NoError(t, w.Write(ctx, []byte("hi")))
	msg, err := r.Read(ctx, Blocking)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), msg.Payload)
}

func TestOpenWait_Timeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := OpenWait(ctx, "never", Options{Dir: t.TempDir()})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// A reader racing a writer must only ever see whole payloads with
// non-decreasing versions.
func TestConcurrentReadWrite_NoTornReads(t *testing.T) {
	t.Parallel()
	w, r := newPair(t, testOptions(t, 256, PolicyNone))
	ctx := context.Background()

	const writes = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			fill := byte(i % 251)
			payload := bytes.Repeat([]byte{fill}, 1+i%256)
			if err := w.Write(ctx, payload); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
		w.Close()
	}()

	var last uint64
	for {
		msg, err := r.Read(ctx, Blocking)
		if errors.Is(err, ErrChannelClosed) {
			break
		}
		require.NoError(t, err)
		require.Greater(t, msg.Version, last)
		last = msg.Version

		want := int(1 + msg.Version%256)
		require.Len(t, msg.Payload, want)
		for _, b := range msg.Payload {
			require.Equal(t, byte(msg.Version%251), b)
		}
	}
	wg.Wait()
	assert.Equal(t, uint64(writes), last, "the final version is drained before close is reported")
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    WaitPolicy
		wantErr bool
	}{
		{"", PolicyNone, false},
		{"none", PolicyNone, false},
		{"ALL", All(), false},
		{"count:2", Count(2), false},
		{"count:0", PolicyNone, true},
		{"count:x", PolicyNone, true},
		{"sometimes", PolicyNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}
