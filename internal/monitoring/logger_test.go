package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called)

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called)
}

func TestStreams_RoutesByStream(t *testing.T) {
	var ops, diag bytes.Buffer
	s := NewStreams("unit")
	s.SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})

	s.Opsf("channel %s closed", "video_feed")
	s.Diagf("merged %d", 3)
	s.Tracef("dropped")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(ops.Bytes(), &entry))
	assert.Equal(t, "unit", entry["component"])
	assert.Equal(t, "channel video_feed closed", entry["message"])
	assert.Equal(t, "warn", entry["level"])

	assert.Contains(t, diag.String(), "merged 3")
}

func TestSetLogWriters_AppliesToRegisteredStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	a := NewStreams("a")
	b := NewStreams("b")
	var buf bytes.Buffer
	SetLogWriters(LogWriters{Ops: &buf})

	a.Opsf("from a")
	b.Opsf("from b")
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestOpenLogWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ops.log")
	w, closer, err := OpenLogWriters(path, "off", "")
	require.NoError(t, err)
	defer closer.Close()

	assert.NotNil(t, w.Ops)
	assert.Nil(t, w.Diag)
	assert.Nil(t, w.Trace)
}

func TestAttachDebugRoutes_ServesMetrics(t *testing.T) {
	ChannelWrites.WithLabelValues("unit_topic").Inc()

	mux := http.NewServeMux()
	AttachDebugRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `drivepipe_channel_writes_total{topic="unit_topic"}`)
}
