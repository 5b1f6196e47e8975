package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/tracing"
)

const (
	// TransportFailureCode is the exit code synthesized when the stream fails.
	TransportFailureCode = 1

	stopTimeout     = 5 * time.Second
	eventBufferSize = 64
)

// EventType tags a decoded stream record.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventExit   EventType = "exit"
)

// Event is one decoded record. Code is set on exit events; nil means the
// agent was terminated by a signal.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"`
	Code *int      `json:"code,omitempty"`
}

// ExecuteRequest is the body of POST /execute
type ExecuteRequest struct {
	Prompt    string            `json:"prompt"`
	Mode      string            `json:"mode,omitempty"`
	Model     string            `json:"model,omitempty"`
	WorkDir   string            `json:"workDir,omitempty"`
	PrePrompt string            `json:"prePrompt,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Execution is one execute call. Its event channel delivers records in
// arrival order and is closed right after the single exit event. Callers
// must drain it.
type Execution struct {
	client *Client
	events chan Event
	cancel context.CancelFunc

	cancelOnce sync.Once
}

// Events returns the ordered event stream.
func (e *Execution) Events() <-chan Event {
	return e.events
}

// Cancel aborts the stream and asks the host to stop the session. The stop
// request is best effort; the stream still ends with an exit event.
func (e *Execution) Cancel() {
	e.cancelOnce.Do(func() {
		e.cancel()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if _, err := e.client.Stop(ctx); err != nil {
				e.client.logger.Debug("best-effort stop failed", zap.Error(err))
			}
		}()
	})
}

// Execute opens the streaming execute call. Transport failures, host
// rejections and cancellation surface as one stderr event followed by a
// nonzero exit, so callers have a single completion path.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) *Execution {
	streamCtx, cancel := context.WithCancel(ctx)
	e := &Execution{
		client: c,
		events: make(chan Event, eventBufferSize),
		cancel: cancel,
	}
	go c.runStream(streamCtx, req, e)
	return e
}

func (c *Client) runStream(ctx context.Context, req ExecuteRequest, e *Execution) {
	defer close(e.events)
	defer e.cancel()

	ctx, span := tracing.Tracer("gnunae-controller").Start(ctx, "host.client.execute",
		trace.WithAttributes(attribute.String("host", c.Address()), attribute.String("mode", req.Mode)))
	defer span.End()

	fail := func(msg string) {
		span.SetStatus(codes.Error, msg)
		c.logger.Warn("execute failed", zap.String("reason", msg))
		e.events <- Event{Type: EventStderr, Data: msg}
		code := TransportFailureCode
		e.events <- Event{Type: EventExit, Code: &code}
	}

	body, err := json.Marshal(req)
	if err != nil {
		fail(fmt.Sprintf("failed to encode execute request: %v", err))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		fail(fmt.Sprintf("failed to build execute request: %v", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		fail(transportMessage(ctx, err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := readResponseBody(resp)
		fail(fmt.Sprintf("execute request failed with status %d: %s", resp.StatusCode, truncateBody(respBody)))
		return
	}

	exited, err := decodeStream(resp.Body, func(ev Event) {
		e.events <- ev
		if ev.Type == EventExit && ev.Code != nil {
			span.SetAttributes(attribute.Int("exit_code", *ev.Code))
		}
	}, c.logger.Debug)
	if exited {
		return
	}
	if err != nil {
		fail(transportMessage(ctx, err))
		return
	}
	fail("execute stream ended without an exit event")
}

func transportMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return "execution cancelled"
	}
	return fmt.Sprintf("host transport error: %v", err)
}

// decodeStream parses "data: {json}" records separated by blank lines. Bare
// JSON lines are accepted as whole records and ":" lines are comments. It
// stops after the first exit record.
func decodeStream(r io.Reader, emit func(Event), debug func(string, ...zap.Field)) (exited bool, err error) {
	reader := bufio.NewReader(r)
	var data []string

	dispatch := func(payload string) bool {
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			debug("skipping undecodable stream record", zap.Error(err))
			return false
		}
		switch ev.Type {
		case EventStdout, EventStderr:
			emit(ev)
		case EventExit:
			emit(ev)
			return true
		default:
			debug("skipping unknown stream record", zap.String("type", string(ev.Type)))
		}
		return false
	}

	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				payload := strings.Join(data, "\n")
				data = data[:0]
				if dispatch(payload) {
					return true, nil
				}
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "{") && len(data) == 0:
			if dispatch(line) {
				return true, nil
			}
		default:
			debug("skipping unrecognized stream line", zap.String("line", line))
		}

		if readErr != nil {
			if len(data) > 0 && dispatch(strings.Join(data, "\n")) {
				return true, nil
			}
			if errors.Is(readErr, io.EOF) {
				return false, nil
			}
			return false, readErr
		}
	}
}

// Callbacks receive the events of one execute call.
type Callbacks struct {
	OnStdout func(data string)
	OnStderr func(data string)
	OnExit   func(code *int)
}

// Handle controls a callback-driven execution.
type Handle struct {
	exec *Execution
	done chan struct{}
}

// Cancel aborts the execution; see Execution.Cancel.
func (h *Handle) Cancel() { h.exec.Cancel() }

// Done is closed after OnExit has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExecuteWithCallbacks runs Execute and dispatches each event to the matching
// callback in order. OnExit fires exactly once and nothing follows it.
func (c *Client) ExecuteWithCallbacks(ctx context.Context, req ExecuteRequest, cb Callbacks) *Handle {
	h := &Handle{exec: c.Execute(ctx, req), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for ev := range h.exec.Events() {
			switch ev.Type {
			case EventStdout:
				if cb.OnStdout != nil {
					cb.OnStdout(ev.Data)
				}
			case EventStderr:
				if cb.OnStderr != nil {
					cb.OnStderr(ev.Data)
				}
			case EventExit:
				if cb.OnExit != nil {
					cb.OnExit(ev.Code)
				}
			}
		}
	}()
	return h
}
