// Package taskexec implements the shared task-dispatch contract used by
// both the node service (§4.4) and the relay node client (§4.5): given a
// task kind and a prompt, produce textual output or a documented error.
//
// The LLM provider and the tool-using remote agent are deliberately
// external collaborators (spec.md §1): this package defines the narrow
// interfaces they must satisfy and clamps/validates around them, but does
// not implement a concrete LLM backend.
package taskexec

import (
	"context"
	"errors"
	"fmt"
)

// Supported task kinds.
const (
	KindEcho    = "echo"
	KindLLMChat = "llm.chat"
	KindAgent   = "agent"
)

// defaultAgentMaxIterations is the iteration cap applied when Config
// doesn't set one.
const defaultAgentMaxIterations = 8

// defaultMaxTokens is applied when Config doesn't set MaxTokens.
const defaultMaxTokens = 1024

// hardMaxTokens is the absolute ceiling regardless of operator config.
const hardMaxTokens = 2048

// ErrUnsupportedKind is returned for any kind outside {echo, llm.chat, agent}.
var ErrUnsupportedKind = errors.New("unsupported task kind")

// ErrAgentTasksDisabled is returned when kind=agent is requested on a node
// that has not opted into running the tool-using agent.
var ErrAgentTasksDisabled = errors.New("this node does not allow agent tasks")

// ErrEmptyPrompt is returned when prompt is empty for any non-echo kind
// (echo tolerates an empty prompt; it simply echoes nothing back).
var ErrEmptyPrompt = errors.New("missing prompt")

// LLMProvider is the single-turn chat completion collaborator for
// kind=llm.chat. A concrete implementation (e.g. an HTTP client to a
// hosted model) is supplied by the operator; this package never talks to
// a provider directly.
type LLMProvider interface {
	Chat(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// AgentRunner is the multi-step tool-using collaborator for kind=agent.
// Implementations must respect maxIterations and the tool allowlist, and
// must return an exhaustion message (not an error) if the cap is reached
// without producing a terminal response — matching spec.md §4.4's
// "documented exhaustion string rather than error".
type AgentRunner interface {
	Run(ctx context.Context, prompt string, maxIterations int, toolAllowlist []string) (string, error)
}

// Config tunes the executor's clamps and feature gates. Zero values fall
// back to the documented defaults.
type Config struct {
	AllowAgentTasks    bool
	MaxTokens          int
	AgentMaxIterations int
	ToolAllowlist      []string
}

func (c Config) maxTokens() int {
	limit := c.MaxTokens
	if limit <= 0 {
		limit = defaultMaxTokens
	}
	if limit > hardMaxTokens {
		limit = hardMaxTokens
	}
	return limit
}

func (c Config) maxIterations() int {
	if c.AgentMaxIterations <= 0 {
		return defaultAgentMaxIterations
	}
	return c.AgentMaxIterations
}

func (c Config) toolAllowlist() []string {
	if c.ToolAllowlist == nil {
		return []string{"web_search", "web_fetch"}
	}
	return c.ToolAllowlist
}

// Executor dispatches a (kind, prompt) pair to the right collaborator.
type Executor struct {
	cfg      Config
	provider LLMProvider
	agent    AgentRunner
}

// New creates an Executor. provider and agent may be nil; calling Run with
// the corresponding kind then fails with a descriptive error instead of
// panicking.
func New(cfg Config, provider LLMProvider, agent AgentRunner) *Executor {
	return &Executor{cfg: cfg, provider: provider, agent: agent}
}

// Run executes one task and returns its textual content, or an error
// suitable for surfacing as a task_error/relay_result{ok:false} frame.
func (e *Executor) Run(ctx context.Context, kind, prompt string) (string, error) {
	if kind != KindEcho && prompt == "" {
		return "", ErrEmptyPrompt
	}
	switch kind {
	case KindEcho:
		return prompt, nil
	case KindLLMChat:
		return e.runLLMChat(ctx, prompt)
	case KindAgent:
		return e.runAgent(ctx, prompt)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

func (e *Executor) runLLMChat(ctx context.Context, prompt string) (string, error) {
	if e.provider == nil {
		return "", errors.New("no LLM provider configured")
	}
	return e.provider.Chat(ctx, prompt, e.cfg.maxTokens())
}

func (e *Executor) runAgent(ctx context.Context, prompt string) (string, error) {
	if !e.cfg.AllowAgentTasks {
		return "", ErrAgentTasksDisabled
	}
	if e.agent == nil {
		return "", errors.New("no agent runner configured")
	}
	return e.agent.Run(ctx, prompt, e.cfg.maxIterations(), e.cfg.toolAllowlist())
}
