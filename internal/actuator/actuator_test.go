package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// gateDeliverer blocks each delivery until released.
type gateDeliverer struct {
	mu      sync.Mutex
	got     []Command
	gate    chan struct{}
	started chan struct{}
	closed  bool
}

func newGate() *gateDeliverer {
	return &gateDeliverer{gate: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (g *gateDeliverer) Deliver(_ context.Context, c Command) error {
	g.started <- struct{}{}
	<-g.gate
	g.mu.Lock()
	g.got = append(g.got, c)
	g.mu.Unlock()
	return nil
}

func (g *gateDeliverer) Close() error { g.closed = true; return nil }

func TestMailbox_KeepsOnlyLatest(t *testing.T) {
	g := newGate()
	m := NewMailbox("test", g)

	m.Send(Command{FrameVersion: 1})
	<-g.started // frame 1 is in flight
	m.Send(Command{FrameVersion: 2})
	m.Send(Command{FrameVersion: 3})
	m.Send(Command{FrameVersion: 4})
	close(g.gate)

	require.NoError(t, m.Close())
	assert.True(t, g.closed)

	var versions []uint64
	for _, c := range g.got {
		versions = append(versions, c.FrameVersion)
	}
	assert.Equal(t, []uint64{1, 4}, versions)
	st := m.Stats()
	assert.Equal(t, uint64(4), st.Sent)
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(2), st.Dropped)
}

func TestMailbox_SendNeverBlocks(t *testing.T) {
	g := newGate()
	m := NewMailbox("test", g)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Send(Command{FrameVersion: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked behind a stuck deliverer")
	}
	close(g.gate)
	require.NoError(t, m.Close())
}

func TestMailbox_CloseIsIdempotent(t *testing.T) {
	m := NewMailbox("log", LogDeliverer{})
	m.Send(Command{Directive: "LaneKeeping", HeadingError: snapshot.Float(2)})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

type bufferPort struct {
	bytes.Buffer
	closed bool
}

func (b *bufferPort) Close() error { b.closed = true; return nil }

func TestSerialDeliverer_WritesJSONLines(t *testing.T) {
	port := &bufferPort{}
	d := NewSerialDeliverer(port)
	ctx := context.Background()
	require.NoError(t, d.Deliver(ctx, Command{Directive: "PauseFixedDuration", PauseFor: 3 * time.Second, FrameVersion: 9}))
	require.NoError(t, d.Deliver(ctx, Command{Directive: "LaneKeeping", Steering: -0.25, HeadingError: snapshot.Float(4.5)}))
	require.NoError(t, d.Close())
	assert.True(t, port.closed)

	lines := strings.Split(strings.TrimSpace(port.String()), "\n")
	require.Len(t, lines, 2)
	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "PauseFixedDuration", first["action"])
	assert.Equal(t, 3000.0, first["pause_ms"])
	assert.Nil(t, first["heading_error_degrees"])
	assert.Equal(t, 4.5, second["heading_error_degrees"])
	assert.Equal(t, -0.25, second["steering"])
	assert.NotContains(t, second, "pause_ms")
}

func TestPortOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr string
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "long parity", in: PortOptions{BaudRate: 9600, Parity: " even "}, want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "odd", in: PortOptions{Parity: "o", StopBits: 2, DataBits: 7}, want: PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "O"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: "data bits"},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: "stop bits"},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: "parity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "E"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)
}

func TestHTTPDeliverer_PostsVehicleJSON(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, NewStandardClient(srv.Client()), 3, time.Second)
	require.NoError(t, d.Deliver(context.Background(), Command{Directive: "Pause", Speed: 1, FrameVersion: 12}))
	assert.Equal(t, "Pause", body["action"])
	assert.Equal(t, 0.0, body["observed_acceleration"])
	assert.Equal(t, 12.0, body["frame_version"])
}

type failingClient struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *failingClient) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Request: req}, nil
}

func TestHTTPDeliverer_FailureLimit(t *testing.T) {
	client := &failingClient{fail: true}
	d := NewHTTPDeliverer("http://vehicle.invalid/cmd", client, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, d.Deliver(ctx, Command{}))
	}
	assert.True(t, d.Disabled())
	assert.ErrorIs(t, d.Deliver(ctx, Command{}), ErrLinkDisabled)
	assert.Equal(t, 3, client.calls, "no requests after the cutoff")
}

func TestHTTPDeliverer_SuccessResetsFailures(t *testing.T) {
	client := &failingClient{fail: true}
	d := NewHTTPDeliverer("http://vehicle.invalid/cmd", client, 3, 0)
	ctx := context.Background()
	assert.Error(t, d.Deliver(ctx, Command{}))
	assert.Error(t, d.Deliver(ctx, Command{}))
	client.fail = false
	assert.NoError(t, d.Deliver(ctx, Command{}))
	client.fail = true
	assert.Error(t, d.Deliver(ctx, Command{}))
	assert.Error(t, d.Deliver(ctx, Command{}))
	assert.False(t, d.Disabled())
}

func TestHTTPDeliverer_BadStatusCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	d := NewHTTPDeliverer(srv.URL, NewStandardClient(nil), 1, time.Second)
	err := d.Deliver(context.Background(), Command{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, d.Disabled())
}

func TestCommand_EncodeDecode(t *testing.T) {
	c := Command{Directive: "Resume", HeadingError: snapshot.Float(-3), Steering: 0.5, FrameVersion: 7, IssuedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	data, err := c.Encode()
	require.NoError(t, err)
	got, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, c.Directive, got.Directive)
	assert.Equal(t, -3.0, *got.HeadingError)
	assert.Nil(t, got.LateralOffset)
	assert.True(t, c.IssuedAt.Equal(got.IssuedAt))
}

func TestFromConfig(t *testing.T) {
	sink, err := FromConfig(config.Default())
	require.NoError(t, err)
	_, ok := sink.(*Mailbox)
	assert.True(t, ok, "log sink by default")
	require.NoError(t, sink.Close())

	kind := "none"
	cfg := config.Default()
	cfg.Actuator.Kind = &kind
	sink, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, Discard{}, sink)

	kind = "carrier-pigeon"
	_, err = FromConfig(cfg)
	var cerr *config.StartupConfigError
	assert.True(t, errors.As(err, &cerr))
}
