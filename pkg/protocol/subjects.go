// Package protocol defines the bus subjects, headers, and message payloads
// exchanged between the worker and the control plane.
package protocol

// Message headers understood on every subject.
const (
	HeaderRequestID  = "X-Request-ID"
	HeaderRetryCount = "Retry-Count"
)

// StreamSubjects is the wildcard set the durable stream is declared with.
var StreamSubjects = []string{
	"tasks.>",
	"agents.>",
	"runs.>",
	"context.>",
	"repomap.>",
	"retrieval.>",
	"graph.>",
	"conversation.>",
	"benchmark.>",
	"evaluation.>",
	"memory.>",
	"handoff.>",
}

// Request subjects the worker subscribes to.
const (
	SubjectTasksAgent = "tasks.agent.*"

	SubjectRunsStart            = "runs.start"
	SubjectRunsCancel           = "runs.cancel"
	SubjectRunsQualityGateReq   = "runs.qualitygate.request"
	SubjectRepoMapGenerateReq   = "repomap.generate.request"
	SubjectRetrievalIndexReq    = "retrieval.index.request"
	SubjectRetrievalSearchReq   = "retrieval.search.request"
	SubjectRetrievalSubagentReq = "retrieval.subagent.request"
	SubjectGraphBuildReq        = "graph.build.request"
	SubjectGraphSearchReq       = "graph.search.request"
	SubjectConversationRunStart = "conversation.run.start"
	SubjectMemoryStore          = "memory.store"
	SubjectMemoryRecall         = "memory.recall"
	SubjectHandoffRequest       = "handoff.request"
	SubjectEvaluationGemmasReq  = "evaluation.gemmas.request"
)

// Result and streaming subjects the worker publishes to.
const (
	SubjectTasksResult = "tasks.result"
	SubjectTasksOutput = "tasks.output"

	SubjectRunsComplete        = "runs.complete"
	SubjectRunsToolCallRequest = "runs.toolcall.request"
	SubjectRunsToolCallReply   = "runs.toolcall.response"
	SubjectRunsToolCallResult  = "runs.toolcall.result"
	SubjectRunsOutput          = "runs.output"
	SubjectRunsHeartbeat       = "runs.heartbeat"

	SubjectRunsQualityGateResult   = "runs.qualitygate.result"
	SubjectRepoMapGenerateResult   = "repomap.generate.result"
	SubjectRetrievalIndexResult    = "retrieval.index.result"
	SubjectRetrievalSearchResult   = "retrieval.search.result"
	SubjectRetrievalSubagentResult = "retrieval.subagent.result"
	SubjectGraphBuildResult        = "graph.build.result"
	SubjectGraphSearchResult       = "graph.search.result"
	SubjectConversationRunComplete = "conversation.run.complete"
	SubjectMemoryRecallResult      = "memory.recall.result"
	SubjectHandoffExecute          = "handoff.execute"
	SubjectEvaluationGemmasResult  = "evaluation.gemmas.result"
)

// DLQSubject returns the dead-letter subject paired with a request subject.
func DLQSubject(subject string) string {
	return subject + ".dlq"
}
