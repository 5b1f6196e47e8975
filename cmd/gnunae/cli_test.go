package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
)

func writeConfig(t *testing.T) (configDir, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "tasks.json")
	cfg := "tasks:\n" +
		"  storePath: " + storePath + "\n" +
		"  historyPath: \"\"\n" +
		"logging:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o600))
	return dir, storePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTaskCommands_CreateListExportImportDelete(t *testing.T) {
	dir, storePath := writeConfig(t)

	out, err := execute(t, "--config", dir, "task", "create",
		"--name", "inbox", "--prompt", "summarize unread mail",
		"--trigger", "on-going", "--domain", "Mail.Example.com")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)
	assert.FileExists(t, storePath)

	out, err = execute(t, "--config", dir, "task", "list", "--json")
	require.NoError(t, err)
	var tasks []models.Task
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "mail.example.com", tasks[0].Trigger.Domain)
	assert.True(t, tasks[0].Enabled)

	exportPath := filepath.Join(t.TempDir(), "tasks.yaml")
	_, err = execute(t, "--config", dir, "task", "export", "-o", exportPath)
	require.NoError(t, err)

	_, err = execute(t, "--config", dir, "task", "delete", id)
	require.NoError(t, err)
	out, err = execute(t, "--config", dir, "task", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, id)

	out, err = execute(t, "--config", dir, "task", "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 of 1 tasks")

	out, err = execute(t, "--config", dir, "task", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "on-going mail.example.com")
}

func TestTaskCreate_RejectsInvalidTrigger(t *testing.T) {
	dir, _ := writeConfig(t)
	_, err := execute(t, "--config", dir, "task", "create", "--name", "x", "--prompt", "y", "--trigger", "scheduled")
	assert.Error(t, err)
}

func TestHostHealth_UnreachableHost(t *testing.T) {
	dir, _ := writeConfig(t)
	out, err := execute(t, "--config", dir, "host", "health", "--host", "127.0.0.1", "--port", "1")
	require.Error(t, err)
	assert.Contains(t, out, `"reachable": false`)
}

func TestHostTool_StartStopInfo(t *testing.T) {
	var started atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tool/start":
			started.Store(true)
			_, _ = w.Write([]byte(`{"success":true,"message":"tool started"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/tool/stop":
			if !started.Swap(false) {
				_, _ = w.Write([]byte(`{"success":false,"message":"tool not running"}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"message":"tool stopped"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/tool/info":
			_, _ = w.Write([]byte(`{"endpoint":"http://127.0.0.1:9222","mode":"cdp"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir, _ := writeConfig(t)
	target := []string{"--config", dir, "host", "tool"}
	flags := []string{"--host", u.Hostname(), "--port", u.Port()}
	run := func(sub string) (string, error) {
		return execute(t, append(append(append([]string(nil), target...), sub), flags...)...)
	}

	out, err := run("start")
	require.NoError(t, err)
	assert.Contains(t, out, `"message": "tool started"`)
	assert.True(t, started.Load())

	out, err = run("info")
	require.NoError(t, err)
	assert.Contains(t, out, `"endpoint": "http://127.0.0.1:9222"`)
	assert.Contains(t, out, `"mode": "cdp"`)

	_, err = run("stop")
	require.NoError(t, err)
	assert.False(t, started.Load())

	_, err = run("stop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool not running")
}

func TestShutdown_EachStepGetsItsOwnTimeout(t *testing.T) {
	var order []string
	step := func(name string, fn func(context.Context) error) shutdownStep {
		return shutdownStep{name: name, fn: func(ctx context.Context) error {
			order = append(order, name)
			return fn(ctx)
		}}
	}

	start := time.Now()
	shutdown(logger.NewNop(), 50*time.Millisecond,
		step("cancel runs", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		step("stop API", func(ctx context.Context) error {
			assert.NoError(t, ctx.Err(), "an overrunning step must not expire the next one")
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.Greater(t, time.Until(deadline), 10*time.Millisecond)
			return nil
		}),
		step("close host pool", func(ctx context.Context) error { return errors.New("boom") }),
	)

	assert.Equal(t, []string{"cancel runs", "stop API", "close host pool"}, order)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestExportDecodeKeepsTaskFields(t *testing.T) {
	last := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	in := []*models.Task{{
		ID:              "t1",
		Name:            "report",
		OptimizedPrompt: "build the report",
		Trigger:         models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "09:30", LastScheduledRun: &last},
		Enabled:         true,
		Mode:            models.ModeAsk,
		State:           models.State{"skipped": models.MustScalar(1)},
	}}

	var buf bytes.Buffer
	require.NoError(t, exportTasks(&buf, in))
	assert.NotContains(t, buf.String(), "skipped", "state is runtime data and is not exported")

	out, err := decodeTasks(&buf)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "09:30", out[0].Trigger.Timing)
	require.NotNil(t, out[0].Trigger.LastScheduledRun)
	assert.True(t, last.Equal(*out[0].Trigger.LastScheduledRun))
	assert.Equal(t, models.ModeAsk, out[0].Mode)

	empty, err := decodeTasks(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDescribeTrigger(t *testing.T) {
	assert.Equal(t, "one-time", describeTrigger(models.Trigger{Type: models.TriggerOneTime}))
	assert.Equal(t, "scheduled weekly", describeTrigger(models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyWeekly}))
	assert.Equal(t, "scheduled daily at 08:00", describeTrigger(models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "08:00"}))
}
