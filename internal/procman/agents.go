package procman

import (
	"fmt"
	"os/exec"
)

// AgentKind identifies a supported coding-agent CLI.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
)

// CommandResolver maps an agent kind and prompt to an executable invocation.
// Replaced in tests to run shell stubs instead of real agents.
type CommandResolver func(kind AgentKind, prompt string) (name string, args []string, err error)

// defaultCommand builds the invocation shape for each supported agent.
func defaultCommand(kind AgentKind, prompt string) (string, []string, error) {
	switch kind {
	case AgentClaude:
		return "claude", []string{"-p", prompt, "--dangerously-skip-permissions"}, nil
	case AgentCodex:
		return "codex", []string{"exec", prompt, "--full-auto"}, nil
	case AgentGemini:
		return "gemini", []string{prompt, "-y"}, nil
	default:
		return "", nil, fmt.Errorf("unknown agent kind: %s", kind)
	}
}

// IsInstalled reports whether the agent's CLI is on PATH.
func IsInstalled(kind AgentKind) bool {
	name, _, err := defaultCommand(kind, "")
	if err != nil {
		return false
	}
	_, err = exec.LookPath(name)
	return err == nil
}
