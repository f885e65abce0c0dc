// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// =============================================================================
// Command Execution
// =============================================================================

// CommandResult is the outcome of one command invocation.
type CommandResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner abstracts shelling out so stage executors stay testable.
// Implementations must honor context cancellation.
type CommandRunner interface {
	// Run executes the command in dir with combined stdout/stderr capture.
	// A non-zero exit is returned as an error alongside the result.
	Run(ctx context.Context, dir string, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	// GracePeriod is how long a cancelled command gets to exit before
	// being killed. Default 10 seconds.
	GracePeriod time.Duration
}

var _ CommandRunner = (*ExecRunner)(nil)

// NewExecRunner returns a runner with default settings.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{GracePeriod: 10 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (CommandResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	result := CommandResult{
		Output:   buf.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

// =============================================================================
// Scripted Runner (tests)
// =============================================================================

// ScriptedResponse is one canned outcome for a ScriptedRunner.
type ScriptedResponse struct {
	Output   string
	ExitCode int
	Err      error
}

// ScriptedCall records one invocation the ScriptedRunner received.
type ScriptedCall struct {
	Dir  string
	Name string
	Args []string
}

// ScriptedRunner replays canned responses, recording every call. A
// response key is either a bare command name ("git") or the name plus
// first argument ("go build"); the more specific key wins. Commands with
// no scripted response succeed with empty output.
type ScriptedRunner struct {
	mu        sync.Mutex
	responses map[string][]ScriptedResponse
	calls     []ScriptedCall
}

var _ CommandRunner = (*ScriptedRunner)(nil)

// NewScriptedRunner returns an empty scripted runner.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{responses: make(map[string][]ScriptedResponse)}
}

// Script queues a response under the given key. Multiple responses for
// the same key are consumed in order; the last one repeats.
func (r *ScriptedRunner) Script(key string, resp ScriptedResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[key] = append(r.responses[key], resp)
}

// Calls returns a copy of all recorded invocations.
func (r *ScriptedRunner) Calls() []ScriptedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScriptedCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsFor returns recorded invocations of the named command.
func (r *ScriptedRunner) CallsFor(name string) []ScriptedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ScriptedCall
	for _, c := range r.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (r *ScriptedRunner) Run(ctx context.Context, dir string, name string, args ...string) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{}, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, ScriptedCall{Dir: dir, Name: name, Args: args})
	key := name
	if len(args) > 0 {
		if specific := name + " " + args[0]; len(r.responses[specific]) > 0 {
			key = specific
		}
	}
	queue := r.responses[key]
	var resp ScriptedResponse
	if len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			r.responses[key] = queue[1:]
		}
	}
	r.mu.Unlock()

	result := CommandResult{Output: resp.Output, ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return result, resp.Err
	}
	if resp.ExitCode != 0 {
		return result, fmt.Errorf("%s: exit status %d", name, resp.ExitCode)
	}
	return result, nil
}
