package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesRecordedMetrics(t *testing.T) {
	EnsureRegistered()
	RecordTurn("openai", 1500*time.Millisecond, 2, true)
	RecordStreamChunk("openai")
	RecordUsage(120, 40)
	RecordToolCall("a-c-file", 10*time.Millisecond, true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `coda_turns_total{provider="openai",status="ok"} 1`)
	assert.Contains(t, body, `coda_stream_chunks_total{provider="openai"} 1`)
	assert.Contains(t, body, "coda_prompt_tokens_total 120")
	assert.Contains(t, body, "coda_completion_tokens_total 40")
	assert.Contains(t, body, `coda_tool_calls_total{status="ok",tool="a-c-file"} 1`)
}

func TestQueueDepthGauge(t *testing.T) {
	EnsureRegistered()
	SetQueueDepth(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "coda_queue_depth 3")
}
