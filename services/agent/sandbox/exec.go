// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

// ScriptRunner executes Python scripts in an isolated interpreter with
// captured stdout. The interpreter runs with -I (isolated mode: no user
// site-packages, no environment injection) and its working directory set
// to the sandbox root, so relative file access stays contained.
//
// The runner imposes no timeout of its own; the caller bounds execution
// through ctx.
type ScriptRunner struct {
	root   *Root
	python string
	logger *slog.Logger
}

// NewScriptRunner builds a runner for the given sandbox root. pythonBin
// may be empty, which means "python3" from PATH.
func NewScriptRunner(root *Root, pythonBin string, logger *slog.Logger) *ScriptRunner {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptRunner{root: root, python: pythonBin, logger: logger}
}

// Run executes script and returns its stdout. A non-zero exit returns an
// InvalidArgument error carrying the tail of stderr, which the tool layer
// feeds back to the model as an observation. Context cancellation kills
// the whole process group, including any children the script spawned.
func (s *ScriptRunner) Run(ctx context.Context, script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fault.New(fault.InvalidArgument, "script is empty")
	}

	cmd := exec.CommandContext(ctx, s.python, "-I", "-c", script)
	cmd.Dir = s.root.Dir()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			s.logger.Warn("script cancelled", "elapsed", elapsed.String())
			return stdout.String(), fault.Wrap(fault.InvalidArgument, ctx.Err(), "script cancelled")
		}
		s.logger.Debug("script failed", "elapsed", elapsed.String(), "error", err)
		return stdout.String(), fault.New(fault.InvalidArgument,
			"script failed: %v: %s", err, tail(stderr.String(), 2000))
	}

	s.logger.Debug("script completed", "elapsed", elapsed.String(), "stdout_len", stdout.Len())
	return stdout.String(), nil
}

// tail returns at most n trailing bytes of s, trimmed at a line boundary
// when possible.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return fmt.Sprintf("... %s", cut)
}
