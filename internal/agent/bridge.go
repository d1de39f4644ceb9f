package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Normalized event vocabulary emitted by the bridge.
const (
	EventSessionUpdated     = "session.updated"
	EventSessionRetry       = "session.retry"
	EventPermissionAsked    = "permission.asked"
	EventMessagePartUpdated = "message.part.updated"

	// EventStreamReconnected is a sweep hint: the executor force-polls on
	// it because events may have been missed while disconnected.
	EventStreamReconnected = "stream.reconnected"
	// EventStreamDown signals that the reconnect budget is exhausted. The
	// compensating poll remains the correctness path, so the executor keeps
	// running on it.
	EventStreamDown = "stream.down"
)

// Event is one normalized agent event delivered to the executor.
type Event struct {
	Type    string
	Raw     string
	Payload map[string]any
}

const (
	bridgeChannelCap     = 64
	reconnectBackoffMin  = 1 * time.Second
	reconnectBackoffMax  = 16 * time.Second
	reconnectMaxAttempts = 5
)

// Bridge consumes the agent's SSE stream over one long-lived connection per
// executor, filters events by session, and feeds them to a bounded channel.
// The bridge is advisory: it accelerates convergence, completion is decided
// by the executor's polling sweep.
type Bridge struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger
}

// NewBridge builds a Bridge for baseURL. The HTTP client carries no overall
// timeout because the stream is long-lived; only the response header read
// is bounded.
func NewBridge(baseURL, username, password string, logger *zap.Logger) *Bridge {
	transport := &http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &Bridge{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Transport: transport},
		logger:   logger.Named("event_bridge"),
	}
}

// Subscribe opens the event stream for directory, keeps it alive with a
// capped-backoff reconnect loop, and returns the channel of normalized
// events for sessionID. The channel closes when ctx is cancelled or the
// reconnect budget runs out.
//
// Overflow policy: message.part.updated events are coalesced (dropped when
// the consumer lags); session.* and permission.* events are never dropped.
func (b *Bridge) Subscribe(ctx context.Context, directory, sessionID string) <-chan Event {
	out := make(chan Event, bridgeChannelCap)
	go b.pump(ctx, directory, sessionID, out)
	return out
}

func (b *Bridge) pump(ctx context.Context, directory, sessionID string, out chan<- Event) {
	defer close(out)

	attempts := 0
	backoff := reconnectBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := b.stream(ctx, directory, sessionID, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0
			backoff = reconnectBackoffMin
		}
		if err != nil {
			b.logger.Warn("event stream dropped",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}

		attempts++
		if attempts > reconnectMaxAttempts {
			b.send(ctx, out, Event{Type: EventStreamDown})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// stream opens one SSE connection and pushes events until it breaks.
// It reports whether the connection was established at all.
func (b *Bridge) stream(ctx context.Context, directory, sessionID string, out chan<- Event) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/event?directory="+url.QueryEscape(directory), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if b.password != "" {
		req.SetBasicAuth(b.username, b.password)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, statusError("event_stream", resp.StatusCode, "")
	}

	// Connected: hint the executor to force a sweep so nothing missed while
	// disconnected goes unnoticed.
	b.send(ctx, out, Event{Type: EventStreamReconnected})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			if len(dataLines) > 0 {
				b.dispatch(ctx, out, sessionID, eventName, strings.Join(dataLines, "\n"))
			}
			eventName = ""
			dataLines = dataLines[:0]
		case strings.HasPrefix(line, ":"):
			// SSE comment frame, keep-alive only.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return true, scanner.Err()
}

// dispatch filters one wire event by session and forwards the normalized
// form.
func (b *Bridge) dispatch(ctx context.Context, out chan<- Event, sessionID, rawName, data string) {
	var payload any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		payload = data
	}
	if !containsSessionID(payload, sessionID) {
		return
	}

	normalized := normalizeEventType(rawName)
	if normalized == "" {
		return
	}

	event := Event{Type: normalized, Raw: rawName}
	if obj, ok := payload.(map[string]any); ok {
		event.Payload = obj
	}

	if normalized == EventMessagePartUpdated {
		// Coalesce: drop when the consumer lags, the poll path compensates.
		select {
		case out <- event:
		default:
		}
		return
	}
	b.send(ctx, out, event)
}

func (b *Bridge) send(ctx context.Context, out chan<- Event, event Event) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}

// normalizeEventType folds wire event names into the bridge vocabulary.
// Unrelated kinds collapse to the empty string and are dropped.
func normalizeEventType(raw string) string {
	switch {
	case strings.HasPrefix(raw, "permission."):
		return EventPermissionAsked
	case raw == EventSessionRetry || strings.HasSuffix(raw, ".retry"):
		return EventSessionRetry
	case strings.HasPrefix(raw, "session."):
		return EventSessionUpdated
	case strings.HasPrefix(raw, "message.part"):
		return EventMessagePartUpdated
	default:
		return ""
	}
}

// containsSessionID walks the decoded payload looking for the session ID
// under the keys the agent server uses, at any depth.
func containsSessionID(payload any, sessionID string) bool {
	switch value := payload.(type) {
	case map[string]any:
		for _, key := range []string{"sessionID", "session_id"} {
			if v, ok := value[key].(string); ok && v == sessionID {
				return true
			}
		}
		for _, nested := range value {
			if containsSessionID(nested, sessionID) {
				return true
			}
		}
	case []any:
		for _, item := range value {
			if containsSessionID(item, sessionID) {
				return true
			}
		}
	}
	return false
}
