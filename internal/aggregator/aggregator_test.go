package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

// queueReader returns queued results in order, then ErrNoNewVersion, or
// ErrChannelClosed once closed is set.
type queueReader struct {
	queue  []result
	closed bool
}

type result struct {
	msg shm.Message
	err error
}

func (r *queueReader) Read(context.Context, shm.ReadMode) (shm.Message, error) {
	if len(r.queue) == 0 {
		if r.closed {
			return shm.Message{}, shm.ErrChannelClosed
		}
		return shm.Message{}, shm.ErrNoNewVersion
	}
	next := r.queue[0]
	r.queue = r.queue[1:]
	return next.msg, next.err
}

func (r *queueReader) push(t *testing.T, p *snapshot.Snapshot) {
	t.Helper()
	data, err := snapshot.Encode(p)
	require.NoError(t, err)
	r.queue = append(r.queue, result{msg: shm.Message{Version: p.FrameVersion, Payload: data}})
}

type sinkWriter struct {
	topic  string
	got    []*snapshot.Snapshot
	closed bool
	err    error
}

func (w *sinkWriter) Write(_ context.Context, p []byte) error {
	if w.err != nil {
		return w.err
	}
	s, err := snapshot.Decode(p)
	if err != nil {
		return err
	}
	w.got = append(w.got, s)
	return nil
}

func (w *sinkWriter) Close() error  { w.closed = true; return nil }
func (w *sinkWriter) Topic() string { return w.topic }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func partial(source string, v uint64) *snapshot.Snapshot {
	return snapshot.NewPartial(source, v, []byte{byte(v)}, 1, 1, t0)
}

func TestStep_MergesAllArrivalsAndPublishes(t *testing.T) {
	lanes, signs := &queueReader{}, &queueReader{}
	l := partial("lanes", 4)
	l.HeadingError = snapshot.Float(3)
	lanes.push(t, l)
	s := partial("signs", 3)
	s.TrafficSigns = snapshot.Detected(snapshot.RoadObject{Label: "stop", Distance: 80})
	signs.push(t, s)

	ctl, rec := &sinkWriter{topic: "control"}, &sinkWriter{topic: "recording"}
	a := New([]Input{{"lanes", lanes}, {"signs", signs}}, []Publisher{ctl, rec}, 0, timeutil.NewMockClock(t0))

	n, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, ctl.got, 1)
	require.Len(t, rec.got, 1)

	c := ctl.got[0]
	assert.Equal(t, uint64(4), c.FrameVersion, "older frame from signs does not roll back")
	assert.Equal(t, []byte{4}, c.Frame)
	assert.Equal(t, 3.0, *c.HeadingError)
	assert.Equal(t, 1, c.TrafficSigns.Len())
	assert.Equal(t, "signs", c.Source)
	assert.Equal(t, map[string]uint64{"lanes": 4, "signs": 3}, c.LastMerged)

	if diff := cmp.Diff(ctl.got[0], rec.got[0], cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("downstream copies differ (-control +recording):\n%s", diff)
	}
}

func TestStep_NothingNewPublishesNothing(t *testing.T) {
	out := &sinkWriter{topic: "control"}
	a := New([]Input{{"lanes", &queueReader{}}}, []Publisher{out}, 0, nil)
	n, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, out.got)
}

func TestStep_ClosedWorkerLeavesStaleCategory(t *testing.T) {
	signs := &queueReader{}
	s := partial("signs", 1)
	s.TrafficSigns = snapshot.Detected(snapshot.RoadObject{Label: "stop", Distance: 30})
	signs.push(t, s)
	signs.closed = true
	lanes := &queueReader{}

	a := New([]Input{{"signs", signs}, {"lanes", lanes}}, nil, 0, nil)
	_, err := a.Step(context.Background())
	require.NoError(t, err)

	lanes.push(t, partial("lanes", 5))
	_, err = a.Step(context.Background())
	require.NoError(t, err)

	c := a.Canonical()
	assert.Equal(t, uint64(5), c.FrameVersion)
	assert.Equal(t, 1, c.TrafficSigns.Len(), "signs keep their last value")
	assert.False(t, a.allDone())
}

func TestStep_UndecodablePartialIsDropped(t *testing.T) {
	r := &queueReader{queue: []result{{msg: shm.Message{Version: 1, Payload: []byte{0xc1}}}}}
	a := New([]Input{{"lanes", r}}, nil, 0, nil)
	n, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, a.inputs[0].dropped)
}

func TestStep_ReadErrorIsFault(t *testing.T) {
	r := &queueReader{queue: []result{{err: errors.New("mapping vanished")}}}
	a := New([]Input{{"lanes", r}}, nil, 0, nil)
	_, err := a.Step(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.False(t, fault.Panic)
}

func TestStep_PublishSizeExceededIsFault(t *testing.T) {
	r := &queueReader{}
	r.push(t, partial("lanes", 1))
	out := &sinkWriter{topic: "control", err: shm.ErrSizeExceeded}
	a := New([]Input{{"lanes", r}}, []Publisher{out}, 0, nil)
	_, err := a.Step(context.Background())
	assert.ErrorIs(t, err, shm.ErrSizeExceeded)
}

func TestRun_ExitsWhenAllWorkersCloseAndClosesOutputs(t *testing.T) {
	clock := timeutil.NewSteppingClock(t0)
	r := &queueReader{}
	for v := uint64(1); v <= 3; v++ {
		r.push(t, partial("lanes", v))
		r.queue = append(r.queue, result{err: shm.ErrNoNewVersion})
	}
	r.closed = true
	out := &sinkWriter{topic: "control"}

	a := New([]Input{{"lanes", r}}, []Publisher{out}, 10*time.Millisecond, clock)
	require.NoError(t, a.Run(context.Background()))
	assert.True(t, out.closed)
	require.Len(t, out.got, 3)
	assert.Equal(t, uint64(3), out.got[2].FrameVersion)

	cad := a.Cadence()["lanes"]
	assert.Equal(t, 3, cad.Partials)
	assert.Equal(t, 10*time.Millisecond, cad.Mean)
	assert.Zero(t, cad.StdDev)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := &sinkWriter{topic: "control"}
	a := New([]Input{{"lanes", &queueReader{}}}, []Publisher{out}, time.Millisecond, timeutil.NewMockClock(t0))
	require.NoError(t, a.Run(ctx))
	assert.True(t, out.closed)
}

func TestRun_OverSharedMemory(t *testing.T) {
	opts := shm.Options{Dir: t.TempDir(), Capacity: 1 << 16, PollInterval: time.Millisecond, DrainTimeout: 50 * time.Millisecond}
	pw, err := shm.Create("partial-lanes", opts)
	require.NoError(t, err)
	pr, err := shm.Open("partial-lanes", opts)
	require.NoError(t, err)
	defer pr.Close()
	cw, err := shm.Create("control", opts)
	require.NoError(t, err)
	cr, err := shm.Open("control", opts)
	require.NoError(t, err)
	defer cr.Close()

	ctx := context.Background()
	data, err := snapshot.Encode(partial("lanes", 1))
	require.NoError(t, err)
	require.NoError(t, pw.Write(ctx, data))
	require.NoError(t, pw.Close())

	a := New([]Input{{"lanes", pr}}, []Publisher{cw}, time.Millisecond, nil)
	require.NoError(t, a.Run(ctx))

	msg, err := cr.Read(ctx, shm.Blocking)
	require.NoError(t, err)
	got, err := snapshot.Decode(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.FrameVersion)
	_, err = cr.Read(ctx, shm.Blocking)
	assert.ErrorIs(t, err, shm.ErrChannelClosed)
}
