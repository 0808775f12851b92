// Package history assembles the message list handed to each LLM call under a
// token budget. The strategy is head-and-tail: the most recent messages are
// always kept, older messages fill whatever budget remains, oldest first.
package history

import (
	"fmt"
	"strings"

	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/pkg/tokens"
)

const (
	// DefaultMaxContextTokens bounds the assembled message list.
	DefaultMaxContextTokens = 100_000

	// DefaultMinRecentMessages is how many trailing messages are always kept.
	DefaultMinRecentMessages = 20

	// DefaultToolResultCap is the char cap applied to tool outputs before
	// they enter history.
	DefaultToolResultCap = 10_000
)

// Manager owns one run's conversation history.
type Manager struct {
	systemPrompt      string
	messages          []protocol.ConversationMessage
	maxContextTokens  int
	minRecentMessages int
	toolResultCap     int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxContextTokens sets the assembly budget.
func WithMaxContextTokens(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxContextTokens = n
		}
	}
}

// WithMinRecentMessages sets how many trailing messages survive trimming.
func WithMinRecentMessages(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.minRecentMessages = n
		}
	}
}

// WithToolResultCap sets the char cap for tool-result content.
func WithToolResultCap(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.toolResultCap = n
		}
	}
}

// New creates a Manager. The system prompt is extended with every context
// entry as a titled section.
func New(systemPrompt string, contextEntries []protocol.ContextEntry, opts ...Option) *Manager {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	for _, entry := range contextEntries {
		sb.WriteString("\n\n## ")
		sb.WriteString(entry.Kind)
		sb.WriteString("\n")
		sb.WriteString(entry.Content)
	}

	m := &Manager{
		systemPrompt:      sb.String(),
		maxContextTokens:  DefaultMaxContextTokens,
		minRecentMessages: DefaultMinRecentMessages,
		toolResultCap:     DefaultToolResultCap,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append adds messages to history in order. Tool messages are truncated to
// the configured cap before insertion.
func (m *Manager) Append(msgs ...protocol.ConversationMessage) {
	for _, msg := range msgs {
		if msg.Role == protocol.RoleTool {
			msg.Content = TruncateHeadTail(msg.Content, m.toolResultCap)
		}
		m.messages = append(m.messages, msg)
	}
}

// Len returns the number of stored messages, excluding the system prompt.
func (m *Manager) Len() int {
	return len(m.messages)
}

// Messages returns a copy of the stored history, excluding the system prompt.
func (m *Manager) Messages() []protocol.ConversationMessage {
	out := make([]protocol.ConversationMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Assemble builds the message list for the next LLM call. The system prompt
// always comes first; the last minRecentMessages are always kept; older
// messages fill the remaining budget oldest first, stopping at the first
// message that would overflow.
func (m *Manager) Assemble() []protocol.ConversationMessage {
	system := protocol.ConversationMessage{Role: protocol.RoleSystem, Content: m.systemPrompt}

	remaining := m.maxContextTokens - estimateMessage(system)
	if remaining < 0 {
		return []protocol.ConversationMessage{system}
	}

	recentStart := len(m.messages) - m.minRecentMessages
	if recentStart < 0 {
		recentStart = 0
	}
	recent := m.messages[recentStart:]
	for _, msg := range recent {
		remaining -= estimateMessage(msg)
	}

	var head []protocol.ConversationMessage
	for _, msg := range m.messages[:recentStart] {
		cost := estimateMessage(msg)
		if cost > remaining {
			break
		}
		remaining -= cost
		head = append(head, msg)
	}

	out := make([]protocol.ConversationMessage, 0, 1+len(head)+len(recent))
	out = append(out, system)
	out = append(out, head...)
	out = append(out, recent...)
	return out
}

func estimateMessage(msg protocol.ConversationMessage) int {
	n := tokens.Estimate(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += tokens.Estimate(tc.Name) + tokens.Estimate(tc.Arguments)
	}
	return n
}

// TruncateHeadTail elides the middle of text longer than limit chars,
// keeping an equal head and tail and noting the omitted length.
func TruncateHeadTail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	half := limit / 2
	omitted := len(text) - 2*half
	return fmt.Sprintf("%s\n... [%d chars omitted] ...\n%s", text[:half], omitted, text[len(text)-half:])
}
