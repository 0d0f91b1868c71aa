package component

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/template"
)

// defaultCodeTimeout bounds user code that configures no timeout.
const defaultCodeTimeout = 30 * time.Second

// codeBlocklist rejects source that reaches outside the sandbox. Matching
// is a plain substring scan before the interpreter ever sees the code.
var codeBlocklist = []string{
	"import os",
	"import subprocess",
	"import socket",
	"__import__",
	"eval(",
	"exec(",
	"open(",
	"os.system",
	"child_process",
	"require('fs')",
	"require(\"fs\")",
}

// interpreters maps the configured language to an interpreter invocation
// that takes the source as its final argument.
var interpreters = map[string][]string{
	"python": {"python3", "-c"},
	"sh":     {"sh", "-c"},
	"bash":   {"bash", "-c"},
	"node":   {"node", "-e"},
}

// code runs user-supplied source in a subprocess with a restricted
// environment, a timeout, and a forbidden-pattern blocklist. Backs both the
// code and code_execute component types.
type code struct {
	node *flow.Node
}

func newCode(node *flow.Node, _ *Deps) (Runner, error) {
	if node.Config == nil || node.Config.Extra("code") == "" {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no code", node.NodeID)
	}
	lang := node.Config.Extra("language")
	if lang != "" {
		if _, ok := interpreters[lang]; !ok {
			return nil, flow.Errf(flow.CodeValidation, "node %s has unsupported language %q", node.NodeID, lang)
		}
	}
	return &code{node: node}, nil
}

func (c *code) Run(ctx context.Context, rc *RunContext) (state.Delta, error) {
	extra := renderedExtra(c.node, rc.State)
	source := template.Render(rc.State, c.node.Config.Extra("code"))
	lang := extraString(extra, "language")
	if lang == "" {
		lang = "python"
	}

	for _, banned := range codeBlocklist {
		if strings.Contains(source, banned) {
			return state.Delta{}, flow.Errf(flow.CodeSecurityViolation,
				"code contains forbidden pattern %q", banned)
		}
	}

	timeout := defaultCodeTimeout
	if c.node.Config.TimeoutSeconds != nil && *c.node.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(*c.node.Config.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := interpreters[lang]
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], source)...)
	cmd.Env = []string{"PATH=/usr/bin:/bin", "HOME=/tmp", "LANG=C"}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return state.Delta{}, flow.Errf(flow.CodeSubprocessTimeout, "code exceeded %s", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return state.Delta{}, flow.Wrap(flow.CodeUnrecoverable, "failed to start interpreter", err)
		}
	}

	outputs := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	delta := state.Delta{
		NodeOutputs: map[string]map[string]any{c.node.NodeID: outputs},
	}

	if exitCode != 0 {
		tail := strings.TrimSpace(stderr.String())
		if tail == "" {
			tail = "code exited non-zero"
		}
		delta.Error = tail
		retry := false
		delta.ShouldRetry = &retry
		return delta, nil
	}

	// A JSON last line becomes the node's structured result.
	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasPrefix(last, "{") || strings.HasPrefix(last, "[") {
		var parsed any
		if json.Unmarshal([]byte(last), &parsed) == nil {
			outputs["result"] = parsed
			delta.Output = parsed
		}
	}
	if delta.Output == nil {
		delta.Output = strings.TrimSpace(stdout.String())
	}
	return delta, nil
}
