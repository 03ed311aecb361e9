package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/source"
	"github.com/banshee-data/drivepipe/internal/stage"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

// scriptedReader hands out queued messages, then a terminal error.
type scriptedReader struct {
	msgs []shm.Message
	end  error
}

func (r *scriptedReader) Read(ctx context.Context, _ shm.ReadMode) (shm.Message, error) {
	if len(r.msgs) == 0 {
		if r.end == nil {
			<-ctx.Done()
			return shm.Message{}, ctx.Err()
		}
		return shm.Message{}, r.end
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

type captureWriter struct {
	mu     sync.Mutex
	out    []*snapshot.Snapshot
	closed bool
	err    error
}

func (w *captureWriter) Write(_ context.Context, p []byte) error {
	if w.err != nil {
		return w.err
	}
	s, err := snapshot.Decode(p)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.out = append(w.out, s)
	w.mu.Unlock()
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type funcStage struct {
	kind stage.Kind
	fn   func(*snapshot.Snapshot) error
}

func (f funcStage) Kind() stage.Kind                    { return f.kind }
func (f funcStage) Process(s *snapshot.Snapshot) error { return f.fn(s) }

func frameMsg(t *testing.T, v uint64) shm.Message {
	t.Helper()
	data, err := source.Frame{Width: 2, Height: 1, Pix: []byte{1, 2, 3, 4, 5, 6}}.Encode()
	require.NoError(t, err)
	return shm.Message{Version: v, Payload: data}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRun_PublishesTaggedPartials(t *testing.T) {
	in := &scriptedReader{msgs: []shm.Message{frameMsg(t, 3), frameMsg(t, 7)}, end: shm.ErrChannelClosed}
	out := &captureWriter{}
	detect := funcStage{stage.SignsDetect, func(s *snapshot.Snapshot) error {
		s.TrafficSigns = snapshot.Detected(snapshot.RoadObject{Label: "stop", Distance: 50})
		return nil
	}}
	w := New("signs", []stage.Stage{detect}, in, out, timeutil.NewMockClock(t0))

	rep, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 7}, rep.Processed)
	assert.Empty(t, rep.Fault)
	assert.True(t, out.closed)

	require.Len(t, out.out, 2)
	p := out.out[1]
	assert.Equal(t, "signs", p.Source)
	assert.Equal(t, uint64(7), p.FrameVersion)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, p.Frame)
	assert.Equal(t, 1, p.TrafficSigns.Len())
	assert.False(t, p.Pedestrians.Present)
	assert.Equal(t, 1, p.Timings["signs_detect"].Count)
	assert.True(t, p.CreatedAt.Equal(t0))
}

func TestRun_DelaySleepsBeforeEachFrame(t *testing.T) {
	in := &scriptedReader{msgs: []shm.Message{frameMsg(t, 1), frameMsg(t, 2)}, end: shm.ErrChannelClosed}
	clock := timeutil.NewMockClock(t0)
	w := New("lanes", nil, in, &captureWriter{}, clock)
	w.Delay = 40 * time.Millisecond

	rep, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, rep.Processed)
	assert.Equal(t, []time.Duration{40 * time.Millisecond, 40 * time.Millisecond}, clock.Sleeps())
}

func TestRun_StageErrorIsFault(t *testing.T) {
	in := &scriptedReader{msgs: []shm.Message{frameMsg(t, 1), frameMsg(t, 2)}, end: shm.ErrChannelClosed}
	out := &captureWriter{}
	calls := 0
	flaky := funcStage{stage.LaneDetect, func(*snapshot.Snapshot) error {
		calls++
		if calls == 2 {
			return errors.New("no edges")
		}
		return nil
	}}

	rep, err := New("lanes", []stage.Stage{flaky}, in, out, nil).Run(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault), "got %v", err)
	assert.Equal(t, stage.LaneDetect, fault.Stage)
	assert.Equal(t, uint64(2), fault.FrameVersion)
	assert.False(t, fault.Panic)
	assert.True(t, out.closed, "output closes on fault")
	assert.Equal(t, []uint64{1}, rep.Processed)
	assert.Contains(t, rep.Fault, "no edges")
}

func TestRun_PanicIsRecovered(t *testing.T) {
	in := &scriptedReader{msgs: []shm.Message{frameMsg(t, 1)}}
	out := &captureWriter{}
	bad := funcStage{stage.Blur, func(*snapshot.Snapshot) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}}

	_, err := New("lanes", []stage.Stage{bad}, in, out, nil).Run(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.True(t, fault.Panic)
	assert.NotEmpty(t, fault.Stack)
	assert.True(t, out.closed)
}

func TestRun_CancelIsCooperative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := &scriptedReader{msgs: []shm.Message{frameMsg(t, 1)}}
	out := &captureWriter{}
	stop := funcStage{stage.Grayscale, func(*snapshot.Snapshot) error {
		cancel()
		return nil
	}}

	rep, err := New("w", []stage.Stage{stop}, in, out, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, rep.Processed, "in-flight frame finishes after cancel")
	assert.True(t, out.closed)
}

func TestRun_BadFrameIsFault(t *testing.T) {
	in := &scriptedReader{msgs: []shm.Message{{Version: 1, Payload: []byte("junk")}}}
	_, err := New("w", nil, in, &captureWriter{}, nil).Run(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.ErrorIs(t, err, source.ErrBadFrame)
	assert.Empty(t, fault.Stage)
}

func TestRun_OversizedOutputIsFault(t *testing.T) {
	in := &scriptedReader{msgs: []shm.Message{frameMsg(t, 1)}}
	out := &captureWriter{err: shm.ErrSizeExceeded}
	_, err := New("w", nil, in, out, nil).Run(context.Background())
	assert.ErrorIs(t, err, shm.ErrSizeExceeded)
}

func TestRun_OverSharedMemory(t *testing.T) {
	opts := shm.Options{Dir: t.TempDir(), Capacity: 1 << 16, PollInterval: time.Millisecond, DrainTimeout: 50 * time.Millisecond}
	frames, err := shm.Create("frames", opts)
	require.NoError(t, err)
	in, err := shm.Open("frames", opts)
	require.NoError(t, err)
	defer in.Close()
	outW, err := shm.Create("partial-a", opts)
	require.NoError(t, err)
	outR, err := shm.Open("partial-a", opts)
	require.NoError(t, err)
	defer outR.Close()

	ctx := context.Background()
	msg := frameMsg(t, 0)
	require.NoError(t, frames.Write(ctx, msg.Payload))
	require.NoError(t, frames.Close())

	rep, err := New("a", nil, in, outW, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, rep.Processed)

	got, err := outR.Read(ctx, shm.Blocking)
	require.NoError(t, err)
	p, err := snapshot.Decode(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.FrameVersion)
	_, err = outR.Read(ctx, shm.Blocking)
	assert.ErrorIs(t, err, shm.ErrChannelClosed)
}
