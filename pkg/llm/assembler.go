package llm

import (
	"sort"
	"strings"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// toolCallAssembler accumulates streamed tool-call deltas. Providers split a
// single call across many chunks, repeating the index but sending the id and
// name only once; arguments arrive as string fragments to concatenate.
type toolCallAssembler struct {
	byIndex map[int]*partialCall
	next    int
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIndex: make(map[int]*partialCall)}
}

func (a *toolCallAssembler) add(delta wireToolCall) {
	idx := a.next
	if delta.Index != nil {
		idx = *delta.Index
	}

	p, ok := a.byIndex[idx]
	if !ok {
		p = &partialCall{index: idx}
		a.byIndex[idx] = p
		a.next = idx + 1
	}

	if delta.ID != "" {
		p.id = delta.ID
	}
	if delta.Function.Name != "" {
		p.name = delta.Function.Name
	}
	p.args.WriteString(delta.Function.Arguments)
}

// calls returns the assembled tool calls in index order. Calls with no name
// are dropped, empty argument strings are normalized to "{}".
func (a *toolCallAssembler) calls() []protocol.ToolCallRef {
	partials := make([]*partialCall, 0, len(a.byIndex))
	for _, p := range a.byIndex {
		if p.name == "" {
			continue
		}
		partials = append(partials, p)
	}
	sort.Slice(partials, func(i, j int) bool {
		return partials[i].index < partials[j].index
	})

	calls := make([]protocol.ToolCallRef, 0, len(partials))
	for _, p := range partials {
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, protocol.ToolCallRef{
			ID:        p.id,
			Name:      p.name,
			Arguments: args,
		})
	}
	return calls
}
