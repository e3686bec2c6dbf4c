package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ConnectionOpened()
	r.ObserveFrame("in", "TextInput")
	r.ObserveUpstream("ark", false, time.Second)
	r.BusMessage("emotion-analysis", "dropped")
	r.StoryGenerated()
	assert.Nil(t, r.Registry())
}

func TestRecordersDoNotShareRegistries(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()

	first.EmotionDetected("joy")
	first.EmotionDetected("joy")
	second.EmotionDetected("joy")

	assert.Equal(t, 2.0, testutil.ToFloat64(first.emotionsDetected.WithLabelValues("joy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(second.emotionsDetected.WithLabelValues("joy")))
}

func TestHandlerExposesCounters(t *testing.T) {
	r := NewRecorder()
	r.ErrorFrame("UPSTREAM_ERROR")
	r.ConnectionOpened()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `story_session_error_frames_total{code="UPSTREAM_ERROR"} 1`))
	assert.True(t, strings.Contains(body, "story_session_active_connections 1"))
}
