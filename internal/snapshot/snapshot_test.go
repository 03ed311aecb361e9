package snapshot

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stopSign(dist float64) RoadObject {
	return RoadObject{Label: "stop", Confidence: 0.9, Distance: dist, Box: BoundingBox{X1: 10, Y1: 10, X2: 40, Y2: 40}}
}

func TestMerge_OverwritesPresentCategoriesOnly(t *testing.T) {
	canon := New()
	canon.Merge(&Snapshot{
		Source:       "signs",
		FrameVersion: 1,
		TrafficSigns: Detected(stopSign(50)),
		Pedestrians:  Detected(RoadObject{Label: "person", Distance: 30}),
	})

	canon.Merge(&Snapshot{
		Source:        "lanes",
		FrameVersion:  2,
		HeadingError:  Float(4.5),
		LateralOffset: Float(-0.2),
	})

	require.Equal(t, 1, canon.TrafficSigns.Len(), "absent categories leave canonical untouched")
	assert.Equal(t, 1, canon.Pedestrians.Len())
	require.NotNil(t, canon.HeadingError)
	assert.Equal(t, 4.5, *canon.HeadingError)
	assert.Equal(t, "lanes", canon.Source)
}

func TestMerge_EmptyListOverwritesStaleDetections(t *testing.T) {
	canon := New()
	canon.Merge(&Snapshot{Source: "signs", FrameVersion: 1, TrafficSigns: Detected(stopSign(50))})
	canon.Merge(&Snapshot{Source: "signs", FrameVersion: 2, TrafficSigns: Detected()})

	assert.True(t, canon.TrafficSigns.Present)
	assert.Zero(t, canon.TrafficSigns.Len())
}

func TestMerge_FrameVersionNeverRegresses(t *testing.T) {
	canon := New()
	canon.Merge(NewPartial("fast", 5, []byte("frame5"), 2, 1, t0))
	canon.Merge(NewPartial("slow", 3, []byte("frame3"), 2, 1, t0))

	assert.Equal(t, uint64(5), canon.FrameVersion)
	assert.Equal(t, []byte("frame5"), canon.Frame, "frame and version move together")

	canon.Merge(NewPartial("slow", 5, []byte("frame5b"), 2, 1, t0))
	assert.Equal(t, []byte("frame5b"), canon.Frame, "equal version replaces")
}

func TestMerge_Idempotent(t *testing.T) {
	partial := NewPartial("lanes", 7, []byte{1, 2, 3}, 3, 1, t0)
	partial.StopLines = LineList{Present: true, Lines: []LineSegment{{UpperX: 1, UpperY: 600, LowerX: 100, LowerY: 610}}}
	partial.HeadingError = Float(-3)
	partial.AddTiming("lane_detect", 4*time.Millisecond)

	once := New()
	once.Merge(partial)
	twice := once.Clone()
	twice.Merge(partial)

	if diff := cmp.Diff(once, twice, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("merge not idempotent (-once +twice):\n%s", diff)
	}
}

func TestMerge_TimingsAccumulatePerNewFrame(t *testing.T) {
	canon := New()
	for v := uint64(1); v <= 3; v++ {
		p := NewPartial("lanes", v, nil, 0, 0, t0)
		p.AddTiming("lane_detect", 2*time.Millisecond)
		canon.Merge(p)
	}
	other := NewPartial("signs", 1, nil, 0, 0, t0)
	other.AddTiming("signs_detect", 10*time.Millisecond)
	canon.Merge(other)

	assert.Equal(t, Timing{Total: 6 * time.Millisecond, Count: 3}, canon.Timings["lane_detect"])
	assert.Equal(t, 2*time.Millisecond, canon.Timings["lane_detect"].Mean())
	assert.Equal(t, Timing{Total: 10 * time.Millisecond, Count: 1}, canon.Timings["signs_detect"])
	assert.Equal(t, map[string]uint64{"lanes": 3, "signs": 1}, canon.LastMerged)
}

func TestEncodeDecode_PreservesPresenceAndDropsScratch(t *testing.T) {
	in := NewPartial("signs", 9, []byte{9, 9}, 2, 1, t0)
	in.TrafficSigns = Detected()
	in.TrafficLights = Detected(RoadObject{Label: "red", Distance: 42})
	in.Lanes = &LaneGeometry{Right: &LaneLine{Segment: LineSegment{UpperX: 700, UpperY: 400, LowerX: 900, LowerY: 720}, Virtual: true}}
	in.Scratch = &Image{Width: 2, Height: 1, Channels: 1, Pix: []byte{1, 2}}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)

	assert.Nil(t, out.Scratch)
	assert.True(t, out.TrafficSigns.Present)
	assert.Zero(t, out.TrafficSigns.Len())
	assert.False(t, out.Pedestrians.Present)
	assert.True(t, out.Lanes.Right.Virtual)
	assert.Nil(t, out.Lanes.Center)
	assert.True(t, out.CreatedAt.Equal(t0))

	want := in.Clone()
	if diff := cmp.Diff(want, out, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decoded snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestClone_IsDeep(t *testing.T) {
	orig := New()
	orig.Merge(&Snapshot{Source: "a", FrameVersion: 1, Frame: []byte{1}, Pedestrians: Detected(RoadObject{Label: "person"})})
	c := orig.Clone()
	c.Frame[0] = 9
	c.Pedestrians.Objects[0].Label = "changed"
	c.LastMerged["a"] = 99

	assert.Equal(t, byte(1), orig.Frame[0])
	assert.Equal(t, "person", orig.Pedestrians.Objects[0].Label)
	assert.Equal(t, uint64(1), orig.LastMerged["a"])
}
