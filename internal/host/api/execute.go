package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/tracing"
	"github.com/fkiller/GnuNae-sub001/internal/host/process"
)

// ExecuteRequest is the body of POST /execute
type ExecuteRequest struct {
	Prompt    string            `json:"prompt" binding:"required"`
	Mode      string            `json:"mode,omitempty"`
	Model     string            `json:"model,omitempty"`
	WorkDir   string            `json:"workDir,omitempty"`
	PrePrompt string            `json:"prePrompt,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// handleExecute starts a session and streams its events as
// "data: {json}\n\n" records. The response ends after the exit record.
func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	mode, ok := process.ParseMode(req.Mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown mode %q", req.Mode)})
		return
	}

	ctx, span := tracing.Tracer("gnunae-host").Start(c.Request.Context(), "host.execute",
		trace.WithAttributes(attribute.String("mode", string(mode))))
	defer span.End()

	session, err := s.procMgr.Start(req.Prompt, process.StartOptions{
		Mode:      mode,
		Model:     req.Model,
		WorkDir:   req.WorkDir,
		PrePrompt: req.PrePrompt,
		Env:       req.Env,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("session_id", session.ID()))

	log := s.logger.WithSessionID(session.ID())
	log.Info("execute stream opened", zap.String("mode", string(mode)))

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				log.Info("execute stream closed")
				return
			}
			if err := writeEvent(c.Writer, ev); err != nil {
				log.Debug("execute stream write failed", zap.Error(err))
				session.Detach()
				return
			}
			if ev.Type == process.EventExit && ev.Code != nil {
				span.SetAttributes(attribute.Int("exit_code", *ev.Code))
			}
		case <-ctx.Done():
			// Reader went away; the session keeps running until stopped.
			log.Info("execute stream detached by client")
			session.Detach()
			return
		}
	}
}

func writeEvent(w gin.ResponseWriter, ev process.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
