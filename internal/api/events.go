package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/metrics"
	"github.com/agentforge-io/agentforge/internal/orchestrator"
	"github.com/agentforge-io/agentforge/internal/repositories"
)

const (
	sseKeepAliveInterval = 15 * time.Second
	ssePollInterval      = time.Second
	sseBatchLimit        = 200

	// The stream closes once the job is terminal and this many idle polls
	// have passed without a new event.
	sseTerminalIdleTicks = 2
)

// EventHandler streams a job's event log over SSE. It reads exclusively
// from the store: the executor appends, this handler tails, and the two
// never share mutable state.
type EventHandler struct {
	service *orchestrator.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(service *orchestrator.Service, m *metrics.Metrics, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		service: service,
		metrics: m,
		logger:  logger.Named("api.events"),
	}
}

// sseEvent is the JSON body of one SSE data frame.
type sseEvent struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status,omitempty"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stream handles GET /jobs/{id}/events.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if h.metrics != nil {
		h.metrics.EventStreams.Inc()
		defer h.metrics.EventStreams.Dec()
	}

	ctx := r.Context()
	var cursor int64
	idleTicks := 0
	lastWrite := time.Now()

	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	for {
		events, err := h.service.ListEvents(ctx, jobID, cursor, sseBatchLimit)
		if err != nil {
			h.logger.Warn("event tail failed", zap.String("job_id", jobID.String()), zap.Error(err))
			return
		}

		if len(events) > 0 {
			idleTicks = 0
			for i := range events {
				if err := writeSSE(w, &events[i]); err != nil {
					return
				}
				cursor = events[i].ID
			}
			flusher.Flush()
			lastWrite = time.Now()
		} else {
			idleTicks++
			if time.Since(lastWrite) >= sseKeepAliveInterval {
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				lastWrite = time.Now()
			}
		}

		if idleTicks >= sseTerminalIdleTicks {
			job, err := h.service.GetJob(ctx, jobID)
			if err != nil {
				return
			}
			if isTerminal(job.Status) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeSSE(w http.ResponseWriter, event *db.JobEvent) error {
	body := sseEvent{
		JobID:     event.JobID.String(),
		Status:    event.Status,
		Source:    event.Source,
		EventType: event.EventType,
		Message:   event.Message,
		CreatedAt: event.CreatedAt,
	}
	if event.Payload != "" {
		body.Payload = json.RawMessage(event.Payload)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	return err
}

func isTerminal(status string) bool {
	for _, terminal := range db.TerminalStatuses {
		if status == terminal {
			return true
		}
	}
	return false
}
