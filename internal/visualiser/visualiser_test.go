package visualiser

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/drivepipe/internal/actuator"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

func startPublisher(t *testing.T, buffer int) (*Publisher, *grpc.ClientConn) {
	t.Helper()
	p := NewPublisher(Config{ListenAddr: "127.0.0.1:0", ClientBuffer: buffer})
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient(p.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return p, conn
}

func waitForClients(t *testing.T, p *Publisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Clients == n }, 5*time.Second, 5*time.Millisecond)
}

func TestPublisher_StreamsSummaries(t *testing.T) {
	p, conn := startPublisher(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Subscribe(ctx, conn)
	require.NoError(t, err)
	waitForClients(t, p, 1)

	s := snapshot.New()
	s.FrameVersion = 17
	s.HeadingError = snapshot.Float(12.5)
	s.Pedestrians = snapshot.Detected(snapshot.RoadObject{Label: "person", Distance: 30})
	msg, err := Summarise(s, &actuator.Command{Directive: "Pause"})
	require.NoError(t, err)
	p.Publish(msg)

	got, err := sub.Recv()
	require.NoError(t, err)
	fields := got.AsMap()
	assert.Equal(t, 17.0, fields["frame_version"])
	assert.Equal(t, 12.5, fields["heading_error"])
	assert.Equal(t, "Pause", fields["directive"])
	peds := fields["pedestrians"].([]interface{})
	require.Len(t, peds, 1)
	assert.Equal(t, "person", peds[0].(map[string]interface{})["label"])

	p.Stop()
	_, err = sub.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPublisher_HealthReportsServing(t *testing.T) {
	_, conn := startPublisher(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestPublisher_SlowClientDrops(t *testing.T) {
	p := NewPublisher(Config{ClientBuffer: 2})
	c := p.addClient()
	msg := &structpb.Struct{}
	for i := 0; i < 5; i++ {
		p.Publish(msg)
	}
	assert.Equal(t, uint64(3), c.dropped.Load())
	st := p.Stats()
	assert.Equal(t, uint64(5), st.Published)
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Len(t, c.ch, 2)

	p.removeClient(c)
	assert.Zero(t, p.Stats().Clients)
}

type listChannel struct{ msgs []shm.Message }

func (l *listChannel) Read(context.Context, shm.ReadMode) (shm.Message, error) {
	if len(l.msgs) == 0 {
		return shm.Message{}, shm.ErrChannelClosed
	}
	m := l.msgs[0]
	l.msgs = l.msgs[1:]
	return m, nil
}

func TestFeed_PublishesEverySnapshot(t *testing.T) {
	p := NewPublisher(Config{ClientBuffer: 8})
	c := p.addClient()

	in := &listChannel{}
	for v := uint64(1); v <= 3; v++ {
		s := snapshot.New()
		s.FrameVersion = v
		data, err := snapshot.Encode(s)
		require.NoError(t, err)
		in.msgs = append(in.msgs, shm.Message{Version: v, Payload: data})
	}
	cmd, err := actuator.Command{Directive: "Resume"}.Encode()
	require.NoError(t, err)
	commands := &listChannel{msgs: []shm.Message{{Version: 1, Payload: cmd}}}

	n, err := p.Feed(context.Background(), in, commands)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, c.ch, 3)
	for i := 0; i < 3; i++ {
		m := (<-c.ch).AsMap()
		assert.Equal(t, float64(i+1), m["frame_version"])
		assert.Equal(t, "Resume", m["directive"], "last directive sticks")
	}
}

func TestSummarise_Lanes(t *testing.T) {
	s := snapshot.New()
	s.Lanes = &snapshot.LaneGeometry{
		Center: &snapshot.LaneLine{Segment: snapshot.LineSegment{UpperX: 1, UpperY: 2, LowerX: 3, LowerY: 4}},
		Right:  &snapshot.LaneLine{Virtual: true},
	}
	msg, err := Summarise(s, nil)
	require.NoError(t, err)
	lanes := msg.AsMap()["lanes"].(map[string]interface{})
	assert.Equal(t, true, lanes["right"].(map[string]interface{})["virtual"])
	assert.Equal(t, []interface{}{1.0, 2.0}, lanes["center"].(map[string]interface{})["upper"])
	_, hasDirective := msg.AsMap()["directive"]
	assert.False(t, hasDirective)
}
