// Package builtin contains the demonstration and smoke-test task handlers
// every worker ships with.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"taskd/internal/worker"
)

const (
	TypeSampleTask  = "sample-task"
	TypeConsoleLog  = "console-log"
	TypeSuccessTest = "success-test"
	TypeFailureTest = "failure-test"
)

var ErrSample = errors.New("Sample error")

// Register binds every built-in handler on reg.
func Register(reg *worker.Registry, log zerolog.Logger) {
	log = log.With().Str("component", "handler").Logger()
	reg.Register(TypeSampleTask, SampleTask{Log: log, Delay: time.Second})
	reg.Register(TypeConsoleLog, ConsoleLog{Log: log})
	reg.Register(TypeSuccessTest, SuccessTest{Log: log})
	reg.Register(TypeFailureTest, FailureTest{Log: log})
}

// SampleTask simulates work for Delay and logs payload.message.
type SampleTask struct {
	Log   zerolog.Logger
	Delay time.Duration
}

func (h SampleTask) Handle(ctx context.Context, taskID string, payload json.RawMessage) error {
	h.Log.Info().Str("task_id", taskID).RawJSON("payload", payload).Msg("executing sample task")

	if h.Delay > 0 {
		t := time.NewTimer(h.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var p struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &p)
	if p.Message == "" {
		p.Message = "No message provided"
	}
	h.Log.Info().Str("task_id", taskID).Str("message", p.Message).Msg("sample task completed")
	return nil
}

type ConsoleLog struct {
	Log zerolog.Logger
}

func (h ConsoleLog) Handle(_ context.Context, taskID string, payload json.RawMessage) error {
	h.Log.Info().Str("task_id", taskID).RawJSON("payload", payload).Msg("console-log task")
	return nil
}

// SuccessTest always succeeds.
type SuccessTest struct {
	Log zerolog.Logger
}

func (h SuccessTest) Handle(_ context.Context, taskID string, _ json.RawMessage) error {
	h.Log.Info().Str("task_id", taskID).Msg("success-test task completed")
	return nil
}

// FailureTest always fails with ErrSample.
type FailureTest struct {
	Log zerolog.Logger
}

func (h FailureTest) Handle(_ context.Context, taskID string, _ json.RawMessage) error {
	h.Log.Info().Str("task_id", taskID).Msg("failure-test task failing")
	return ErrSample
}
