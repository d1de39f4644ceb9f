package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamUnknownJobIs404(t *testing.T) {
	env := newAPIEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/events", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamReplaysAndClosesOnTerminalJob(t *testing.T) {
	env := newAPIEnv(t)
	jobID := createJob(t, env, nil)

	// Abort to make the job terminal; the stream should replay the history
	// and close after the idle grace period.
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/abort", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		streamRec := httptest.NewRecorder()
		env.handler.ServeHTTP(streamRec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/events", nil))
		done <- streamRec
	}()

	select {
	case streamRec := <-done:
		assert.Equal(t, http.StatusOK, streamRec.Code)
		assert.Equal(t, "text/event-stream", streamRec.Header().Get("Content-Type"))

		body := streamRec.Body.String()
		assert.Contains(t, body, "event: job.created\n")
		assert.Contains(t, body, "event: job.aborted\n")
		assert.Contains(t, body, `"job_id":"`+jobID+`"`)

		// Frames end with a blank line per the SSE grammar.
		assert.True(t, strings.Contains(body, "\n\n"))
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not close for a terminal job")
	}
}
