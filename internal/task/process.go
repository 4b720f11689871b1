package task

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/zeroshot/internal/logger"
)

// ProcessExecutor runs each task as an external agent subprocess. The built
// context is written to stdin; the process reports line-delimited JSON
// events on stdout:
//
//	{"type":"text","text":"..."}
//	{"type":"usage","input_tokens":123,"output_tokens":456}
//	{"type":"result","success":true}
//	{"type":"result","success":false,"error":"..."}
//
// A process that exits zero without emitting a result event is treated as
// a success with whatever text it produced.
type ProcessExecutor struct {
	command []string
	workDir string

	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	lastOutput time.Time
}

// NewProcessExecutor creates an executor for the given agent command line,
// e.g. ["opencode", "run", "--format", "json"].
func NewProcessExecutor(command []string, workDir string) *ProcessExecutor {
	return &ProcessExecutor{command: command, workDir: workDir}
}

// Execute runs one task subprocess to completion.
func (p *ProcessExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if len(p.command) == 0 {
		return nil, fmt.Errorf("no task command configured")
	}

	logger.Debug("Starting task subprocess for agent %s (task %s)", req.AgentID, req.TaskID)

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = p.workDir
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start task process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.lastOutput = time.Now()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cmd = nil
		p.pid = 0
		p.mu.Unlock()
	}()

	if _, err := io.WriteString(stdin, req.Context); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to write task context: %w", err)
	}
	stdin.Close()

	result := &Result{}
	var output strings.Builder
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		p.mu.Lock()
		p.lastOutput = time.Now()
		p.mu.Unlock()

		var event struct {
			Type         string `json:"type"`
			Text         string `json:"text"`
			Success      *bool  `json:"success"`
			Error        string `json:"error"`
			InputTokens  int    `json:"input_tokens"`
			OutputTokens int    `json:"output_tokens"`
		}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Non-JSON output is still output; keep it for the result.
			output.WriteString(line)
			output.WriteByte('\n')
			continue
		}

		switch event.Type {
		case "text":
			output.WriteString(event.Text)
		case "usage":
			result.TokenUsage = &TokenUsage{
				InputTokens:  event.InputTokens,
				OutputTokens: event.OutputTokens,
			}
		case "result":
			sawResult = true
			if event.Success != nil {
				result.Success = *event.Success
			}
			result.Error = event.Error
		default:
			logger.Debug("Ignoring task event type %q", event.Type)
		}
	}

	if ctx.Err() != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to read task output: %w", err)
	}

	waitErr := cmd.Wait()
	result.Output = output.String()

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("task process failed: %w", waitErr)
	}
	if !sawResult {
		result.Success = true
	}

	logger.Debug("Task subprocess finished for agent %s: success=%v", req.AgentID, result.Success)
	return result, nil
}

// Kill forcibly terminates the running task process, if any.
func (p *ProcessExecutor) Kill() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		logger.Warn("Killing task process pid=%d", cmd.Process.Pid)
		cmd.Process.Kill()
	}
}

// PID returns the pid of the running task process, or 0 when idle.
func (p *ProcessExecutor) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// LastOutput returns the time the task process last produced output.
func (p *ProcessExecutor) LastOutput() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOutput
}
