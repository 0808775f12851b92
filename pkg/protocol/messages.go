package protocol

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Permission decisions returned by the policy engine.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Terminal run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// PseudoToolLLM is the tool name used on permission requests and result
// reports for the model call itself. Reports under this name carry token
// usage and cost but do not count as run steps.
const PseudoToolLLM = "LLM"

// ConversationMessage is one entry of an ordered message history.
type ConversationMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
}

// ToolCallRef is a tool invocation the LLM produced: an opaque id, the
// function name, and the raw JSON arguments string.
type ToolCallRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContextEntry is a pre-packed body of auxiliary text injected into a run's
// system prompt.
type ContextEntry struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content"`
	Tokens   int    `json:"tokens,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ToolDefinition describes a callable tool in the wire format the LLM
// gateway expects (name, description, JSON-Schema parameters).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PermissionDecision is the policy engine's answer to a tool-call request.
type PermissionDecision struct {
	CallID   string `json:"call_id"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Allowed reports whether the decision permits execution.
func (d PermissionDecision) Allowed() bool {
	return d.Decision == DecisionAllow
}

// MCPServerDef describes one MCP server a run wants connected.
type MCPServerDef struct {
	ID        string            `json:"id"`
	Transport string            `json:"transport"` // stdio or sse
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// RunMode constrains what a run may do and how it is prompted.
type RunMode struct {
	Name         string   `json:"name,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
	PromptPrefix string   `json:"prompt_prefix,omitempty"`
	Scenario     string   `json:"scenario,omitempty"`
}

// RunStart asks the worker to execute one supervised agent run.
type RunStart struct {
	RunID          string         `json:"run_id"`
	TaskID         string         `json:"task_id"`
	ProjectID      string         `json:"project_id"`
	AgentID        string         `json:"agent_id"`
	Prompt         string         `json:"prompt"`
	PolicyProfile  string         `json:"policy_profile,omitempty"`
	Mode           RunMode        `json:"mode"`
	WorkspacePath  string         `json:"workspace_path,omitempty"`
	MaxSteps       int            `json:"max_steps,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxCost        float64        `json:"max_cost,omitempty"`
	MCPServers     []MCPServerDef `json:"mcp_servers,omitempty"`
	ContextEntries []ContextEntry `json:"context_entries,omitempty"`
	Microagents    []string       `json:"microagents,omitempty"`
}

// RunComplete is the single terminal message of a run.
type RunComplete struct {
	RunID     string  `json:"run_id"`
	TaskID    string  `json:"task_id,omitempty"`
	Status    string  `json:"status"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	StepCount int     `json:"step_count"`
	TotalCost float64 `json:"total_cost"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Model     string  `json:"model,omitempty"`
}

// ToolCallRequest asks the policy engine for permission to run a tool.
type ToolCallRequest struct {
	RunID   string `json:"run_id"`
	CallID  string `json:"call_id"`
	Tool    string `json:"tool"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ToolCallResponse is the policy engine's reply, correlated by call id.
type ToolCallResponse struct {
	RunID    string `json:"run_id"`
	CallID   string `json:"call_id"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// ToolCallResult reports the outcome of an executed (or rejected) tool call.
type ToolCallResult struct {
	RunID     string  `json:"run_id"`
	CallID    string  `json:"call_id"`
	Tool      string  `json:"tool"`
	Success   bool    `json:"success"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	Model     string  `json:"model,omitempty"`
}

// RunOutput is one streamed output line.
type RunOutput struct {
	RunID  string `json:"run_id"`
	Stream string `json:"stream"` // stdout or stderr
	Line   string `json:"line"`
}

// RunHeartbeat signals liveness while a run executes.
type RunHeartbeat struct {
	RunID     string `json:"run_id"`
	Timestamp int64  `json:"timestamp"`
}

// RunCancel requests cooperative cancellation of a run.
type RunCancel struct {
	RunID string `json:"run_id"`
}

// TaskRequest is an async unit of work on tasks.agent.*.
type TaskRequest struct {
	TaskID    string            `json:"task_id"`
	ProjectID string            `json:"project_id"`
	Title     string            `json:"title,omitempty"`
	Prompt    string            `json:"prompt"`
	Config    map[string]string `json:"config,omitempty"`
}

// TaskResult is the terminal message for a task.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TaskOutput is one streamed task output line.
type TaskOutput struct {
	TaskID string `json:"task_id"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// QualityGateRequest runs named gate subprocesses in a workspace.
type QualityGateRequest struct {
	RequestID     string   `json:"request_id,omitempty"`
	RunID         string   `json:"run_id,omitempty"`
	WorkspacePath string   `json:"workspace_path"`
	Gates         []string `json:"gates,omitempty"`
}

// GateReport is the outcome of one gate.
type GateReport struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// QualityGateResult aggregates all gate outcomes.
type QualityGateResult struct {
	RequestID string       `json:"request_id,omitempty"`
	RunID     string       `json:"run_id,omitempty"`
	Passed    bool         `json:"passed"`
	Gates     []GateReport `json:"gates,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// RepoMapRequest generates a ranked repo map for a workspace.
type RepoMapRequest struct {
	RequestID     string   `json:"request_id,omitempty"`
	ProjectID     string   `json:"project_id"`
	WorkspacePath string   `json:"workspace_path"`
	TokenBudget   int      `json:"token_budget,omitempty"`
	ActiveFiles   []string `json:"active_files,omitempty"`
}

// RepoMapResult carries the rendered map.
type RepoMapResult struct {
	RequestID string   `json:"request_id,omitempty"`
	ProjectID string   `json:"project_id"`
	Map       string   `json:"map,omitempty"`
	FileCount int      `json:"file_count"`
	TagCount  int      `json:"tag_count"`
	Languages []string `json:"languages,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RetrievalIndexRequest (re)builds the hybrid index for a project.
type RetrievalIndexRequest struct {
	RequestID     string `json:"request_id,omitempty"`
	ProjectID     string `json:"project_id"`
	WorkspacePath string `json:"workspace_path"`
}

// RetrievalIndexResult reports an index build.
type RetrievalIndexResult struct {
	RequestID      string `json:"request_id,omitempty"`
	ProjectID      string `json:"project_id"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	ChunkCount     int    `json:"chunk_count"`
	FileCount      int    `json:"file_count"`
	Incremental    bool   `json:"incremental"`
	FilesChanged   int    `json:"files_changed"`
	FilesUnchanged int    `json:"files_unchanged"`
}

// SearchHit is one fused retrieval result.
type SearchHit struct {
	Filepath     string  `json:"filepath"`
	StartLine    int     `json:"start_line"`
	EndLine      int     `json:"end_line"`
	Content      string  `json:"content"`
	Language     string  `json:"language,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
	Score        float64 `json:"score"`
	BM25Rank     int     `json:"bm25_rank"`
	SemanticRank int     `json:"semantic_rank"`
}

// RetrievalSearchRequest queries a project's hybrid index.
type RetrievalSearchRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ProjectID string `json:"project_id"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k,omitempty"`
}

// RetrievalSearchResult carries fused hits. Error is set on the fail-safe
// path so waiters never block.
type RetrievalSearchResult struct {
	RequestID string      `json:"request_id,omitempty"`
	ProjectID string      `json:"project_id"`
	Results   []SearchHit `json:"results"`
	Error     string      `json:"error,omitempty"`
}

// SubagentRequest runs LLM-expanded multi-query retrieval.
type SubagentRequest struct {
	RequestID  string `json:"request_id,omitempty"`
	ProjectID  string `json:"project_id"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
	MaxQueries int    `json:"max_queries,omitempty"`
	Rerank     bool   `json:"rerank,omitempty"`
}

// SubagentResult carries deduplicated, optionally reranked hits.
type SubagentResult struct {
	RequestID       string      `json:"request_id,omitempty"`
	ProjectID       string      `json:"project_id"`
	Results         []SearchHit `json:"results"`
	ExpandedQueries []string    `json:"expanded_queries,omitempty"`
	TotalCandidates int         `json:"total_candidates"`
	TokensIn        int         `json:"tokens_in,omitempty"`
	TokensOut       int         `json:"tokens_out,omitempty"`
	Cost            float64     `json:"cost,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// GraphBuildRequest extracts and persists the code graph of a workspace.
type GraphBuildRequest struct {
	RequestID     string `json:"request_id,omitempty"`
	ProjectID     string `json:"project_id"`
	WorkspacePath string `json:"workspace_path"`
}

// GraphBuildResult reports a graph build.
type GraphBuildResult struct {
	RequestID string   `json:"request_id,omitempty"`
	ProjectID string   `json:"project_id"`
	Status    string   `json:"status"`
	NodeCount int      `json:"node_count"`
	EdgeCount int      `json:"edge_count"`
	Languages []string `json:"languages,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// GraphSearchRequest runs BFS from seed symbols.
type GraphSearchRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	ProjectID string   `json:"project_id"`
	Symbols   []string `json:"symbols"`
	MaxHops   int      `json:"max_hops,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
}

// GraphSearchHit is one BFS result with its hop-decay score.
type GraphSearchHit struct {
	NodeID   string   `json:"node_id"`
	Filepath string   `json:"filepath"`
	Symbol   string   `json:"symbol"`
	Kind     string   `json:"kind"`
	Distance int      `json:"distance"`
	Score    float64  `json:"score"`
	EdgePath []string `json:"edge_path,omitempty"`
}

// GraphSearchResult carries BFS hits. Error is set on the fail-safe path.
type GraphSearchResult struct {
	RequestID string           `json:"request_id,omitempty"`
	ProjectID string           `json:"project_id"`
	Results   []GraphSearchHit `json:"results"`
	Error     string           `json:"error,omitempty"`
}

// MemoryStoreRequest persists one agent memory.
type MemoryStoreRequest struct {
	ProjectID  string  `json:"project_id"`
	AgentID    string  `json:"agent_id,omitempty"`
	RunID      string  `json:"run_id,omitempty"`
	Content    string  `json:"content"`
	Kind       string  `json:"kind"` // observation, decision, error, insight
	Importance float64 `json:"importance"`
}

// MemoryHit is one recalled memory with its combined score.
type MemoryHit struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Kind       string  `json:"kind"`
	Importance float64 `json:"importance"`
	Score      float64 `json:"score"`
	CreatedAt  int64   `json:"created_at"`
}

// MemoryRecallRequest retrieves memories by similarity+recency+importance.
type MemoryRecallRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k,omitempty"`
}

// MemoryRecallResult carries recalled memories.
type MemoryRecallResult struct {
	RequestID string      `json:"request_id,omitempty"`
	Memories  []MemoryHit `json:"memories"`
	Error     string      `json:"error,omitempty"`
}

// HandoffRequest asks for a task to be transferred to another agent.
type HandoffRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	TaskID      string `json:"task_id"`
	ProjectID   string `json:"project_id"`
	FromAgentID string `json:"from_agent_id"`
	TargetAgent string `json:"target_agent"`
	Prompt      string `json:"prompt"`
	Context     string `json:"context,omitempty"`
}

// HandoffExecute is the enriched downstream message of the handoff pipeline.
type HandoffExecute struct {
	RequestID   string `json:"request_id,omitempty"`
	TaskID      string `json:"task_id"`
	ProjectID   string `json:"project_id"`
	FromAgentID string `json:"from_agent_id"`
	TargetAgent string `json:"target_agent"`
	Prompt      string `json:"prompt"`
	Context     string `json:"context,omitempty"`
	HandoffAt   int64  `json:"handoff_at"`
}

// EvaluationRequest scores candidate answers against criteria.
type EvaluationRequest struct {
	RequestID  string   `json:"request_id,omitempty"`
	TaskID     string   `json:"task_id,omitempty"`
	Question   string   `json:"question"`
	Candidates []string `json:"candidates"`
	Criteria   string   `json:"criteria,omitempty"`
}

// EvaluationResult carries per-candidate scores in input order.
type EvaluationResult struct {
	RequestID string    `json:"request_id,omitempty"`
	Scores    []float64 `json:"scores"`
	Best      int       `json:"best"`
	Error     string    `json:"error,omitempty"`
}

// ConversationRunStart resumes a conversational run with prior history.
type ConversationRunStart struct {
	RunID          string                `json:"run_id"`
	SessionID      string                `json:"session_id"`
	ProjectID      string                `json:"project_id"`
	AgentID        string                `json:"agent_id,omitempty"`
	Prompt         string                `json:"prompt"`
	History        []ConversationMessage `json:"history,omitempty"`
	Mode           RunMode               `json:"mode"`
	WorkspacePath  string                `json:"workspace_path,omitempty"`
	MaxSteps       int                   `json:"max_steps,omitempty"`
	MaxCost        float64               `json:"max_cost,omitempty"`
	ContextEntries []ContextEntry        `json:"context_entries,omitempty"`
}

// ConversationRunComplete terminates a conversational run and returns the
// new messages produced during it.
type ConversationRunComplete struct {
	RunID     string                `json:"run_id"`
	SessionID string                `json:"session_id"`
	Status    string                `json:"status"`
	Output    string                `json:"output,omitempty"`
	Error     string                `json:"error,omitempty"`
	Messages  []ConversationMessage `json:"messages,omitempty"`
	StepCount int                   `json:"step_count"`
	TotalCost float64               `json:"total_cost"`
}
