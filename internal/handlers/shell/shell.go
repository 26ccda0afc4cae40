package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const TaskType = "shell"

// maxOutput caps how much combined output ends up in a failure reason.
const maxOutput = 4 << 10

// Shell runs a command without a shell interpreter. When Allowed is non-empty
// only the listed commands may run.
type Shell struct {
	Log     zerolog.Logger
	Allowed []string
}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Timeout int               `json:"timeout"` // seconds; 0 uses the task deadline
}

func (h Shell) Handle(ctx context.Context, taskID string, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if !h.allowed(c.Command) {
		return fmt.Errorf("command %q is not allowed", c.Command)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.Timeout)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	log := h.Log.With().Str("task_id", taskID).Str("command", c.Command).Dur("duration", time.Since(start)).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("shell command failed")
		return fmt.Errorf("shell error: %v; out=%s", err, truncate(out))
	}
	log.Debug().Int("output_bytes", len(out)).Msg("shell command finished")
	return nil
}

func (h Shell) allowed(cmd string) bool {
	if len(h.Allowed) == 0 {
		return true
	}
	for _, a := range h.Allowed {
		if a == cmd {
			return true
		}
	}
	return false
}

func truncate(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > maxOutput {
		return string(out[:maxOutput]) + "...(truncated)"
	}
	return string(out)
}
