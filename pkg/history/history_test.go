package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

func userMsg(content string) protocol.ConversationMessage {
	return protocol.ConversationMessage{Role: protocol.RoleUser, Content: content}
}

func TestSystemPromptCarriesContextEntries(t *testing.T) {
	m := New("You are a worker.", []protocol.ContextEntry{
		{Kind: "Repository Map", Content: "main.go\n    main"},
		{Kind: "Memory", Content: "prefers tabs"},
	})

	msgs := m.Assemble()
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You are a worker.")
	assert.Contains(t, msgs[0].Content, "\n\n## Repository Map\nmain.go")
	assert.Contains(t, msgs[0].Content, "\n\n## Memory\nprefers tabs")
}

func TestAssembleKeepsEverythingUnderBudget(t *testing.T) {
	m := New("sys", nil)
	m.Append(userMsg("one"), userMsg("two"), userMsg("three"))

	msgs := m.Assemble()
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "three", msgs[3].Content)
}

func TestAssembleReservesRecentAndFillsHead(t *testing.T) {
	// Budget fits system + 2 recent + 1 old message, nothing more. Messages
	// of 40 chars estimate to 10 tokens each; system "sys" is 1 token.
	m := New("sys", nil,
		WithMaxContextTokens(31),
		WithMinRecentMessages(2))

	for i := 0; i < 5; i++ {
		m.Append(userMsg(strings.Repeat("abcd", 10))) // 10 tokens each
	}

	msgs := m.Assemble()
	// system + first old message + the 2 reserved recent.
	require.Len(t, msgs, 4)
	assert.Equal(t, protocol.RoleSystem, msgs[0].Role)
}

func TestAssembleStopsAtFirstOverflowingOldMessage(t *testing.T) {
	m := New("sys", nil,
		WithMaxContextTokens(26),
		WithMinRecentMessages(1))

	m.Append(
		userMsg(strings.Repeat("a", 40)),  // 10 tokens, fits
		userMsg(strings.Repeat("b", 400)), // 100 tokens, overflows
		userMsg(strings.Repeat("c", 40)),  // 10 tokens, would fit but comes after the stop
		userMsg(strings.Repeat("d", 40)),  // reserved recent
	)

	msgs := m.Assemble()
	require.Len(t, msgs, 3)
	assert.Equal(t, strings.Repeat("a", 40), msgs[1].Content)
	assert.Equal(t, strings.Repeat("d", 40), msgs[2].Content)
}

func TestAssembleSystemPromptAloneOverBudget(t *testing.T) {
	m := New(strings.Repeat("x", 1000), nil, WithMaxContextTokens(10))
	m.Append(userMsg("hi"))

	msgs := m.Assemble()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.RoleSystem, msgs[0].Role)
}

func TestToolResultTruncatedOnAppend(t *testing.T) {
	m := New("sys", nil, WithToolResultCap(100))
	long := strings.Repeat("z", 500)
	m.Append(protocol.ConversationMessage{
		Role:       protocol.RoleTool,
		ToolCallID: "call_1",
		Content:    long,
	})

	stored := m.Messages()
	require.Len(t, stored, 1)
	assert.Less(t, len(stored[0].Content), 200)
	assert.Contains(t, stored[0].Content, "chars omitted")
	assert.True(t, strings.HasPrefix(stored[0].Content, "zzzz"))
	assert.True(t, strings.HasSuffix(stored[0].Content, "zzzz"))
}

func TestTruncateHeadTail(t *testing.T) {
	assert.Equal(t, "short", TruncateHeadTail("short", 100))

	out := TruncateHeadTail(strings.Repeat("a", 100)+strings.Repeat("b", 100), 50)
	assert.Contains(t, out, "[150 chars omitted]")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 25)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 25)))
}

func TestEstimateCountsToolCalls(t *testing.T) {
	msg := protocol.ConversationMessage{
		Role: protocol.RoleAssistant,
		ToolCalls: []protocol.ToolCallRef{
			{Name: "read_file", Arguments: `{"path":"main.go"}`},
		},
	}
	assert.Greater(t, estimateMessage(msg), 1)
}
