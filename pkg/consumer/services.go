package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

func (c *Consumer) handleQualityGate(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.QualityGateRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("run_id", req.RunID)

	res := c.deps.Gates.Run(ctx, req)
	logger.Info("quality gates finished", "passed", res.Passed, "gates", len(res.Gates))
	return c.reply(protocol.SubjectRunsQualityGateResult, res, requestID(msg))
}

// handleMemoryStore is fire-and-forget: there is no result subject.
func (c *Consumer) handleMemoryStore(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.MemoryStoreRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("project_id", req.ProjectID)

	if c.deps.Memory == nil {
		logger.Warn("memory store not configured, dropping memory")
		return nil
	}
	id, err := c.deps.Memory.Store(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}
	logger.Debug("memory stored", "memory_id", id, "kind", req.Kind)
	return nil
}

func (c *Consumer) handleMemoryRecall(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.MemoryRecallRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("project_id", req.ProjectID)

	res := protocol.MemoryRecallResult{
		RequestID: req.RequestID,
		Memories:  []protocol.MemoryHit{},
	}
	if c.deps.Memory == nil {
		res.Error = "memory store not configured"
		return c.reply(protocol.SubjectMemoryRecallResult, res, requestID(msg))
	}

	hits, err := c.deps.Memory.Recall(ctx, req)
	if err != nil {
		logger.Error("memory recall failed", "error", err)
		res.Error = err.Error()
	} else if hits != nil {
		res.Memories = hits
	}
	return c.reply(protocol.SubjectMemoryRecallResult, res, requestID(msg))
}

// handleHandoff stamps and forwards a handoff to its execute subject. The
// target agent's worker picks it up from there.
func (c *Consumer) handleHandoff(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.HandoffRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("task_id", req.TaskID)
	logger.Info("handoff requested", "from", req.FromAgentID, "to", req.TargetAgent)

	return c.reply(protocol.SubjectHandoffExecute, protocol.HandoffExecute{
		RequestID:   req.RequestID,
		TaskID:      req.TaskID,
		ProjectID:   req.ProjectID,
		FromAgentID: req.FromAgentID,
		TargetAgent: req.TargetAgent,
		Prompt:      req.Prompt,
		Context:     req.Context,
		HandoffAt:   time.Now().Unix(),
	}, requestID(msg))
}

const evaluationSystemPrompt = `You are an impartial judge scoring candidate answers to a question.
Score every candidate from 0.0 (useless) to 1.0 (excellent).
Respond with ONLY a JSON array of numbers, one per candidate, in the order given.`

func (c *Consumer) handleEvaluation(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.EvaluationRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("task_id", req.TaskID)

	res := protocol.EvaluationResult{RequestID: req.RequestID, Best: -1}
	if len(req.Candidates) == 0 {
		res.Error = "no candidates to evaluate"
		return c.reply(protocol.SubjectEvaluationGemmasResult, res, requestID(msg))
	}

	scores, err := c.scoreCandidates(ctx, req)
	if err != nil {
		logger.Error("evaluation failed", "error", err)
		res.Error = err.Error()
		return c.reply(protocol.SubjectEvaluationGemmasResult, res, requestID(msg))
	}

	res.Scores = scores
	res.Best = argmax(scores)
	logger.Info("evaluation finished", "candidates", len(scores), "best", res.Best)
	return c.reply(protocol.SubjectEvaluationGemmasResult, res, requestID(msg))
}

// scoreCandidates asks the LLM for one score per candidate.
func (c *Consumer) scoreCandidates(ctx context.Context, req protocol.EvaluationRequest) ([]float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n", req.Question)
	if req.Criteria != "" {
		fmt.Fprintf(&b, "\nCriteria:\n%s\n", req.Criteria)
	}
	for i, candidate := range req.Candidates {
		fmt.Fprintf(&b, "\nCandidate %d:\n%s\n", i, candidate)
	}

	resp, err := c.deps.LLM.Chat(ctx, llm.ChatRequest{
		Messages: []protocol.ConversationMessage{
			{Role: protocol.RoleSystem, Content: evaluationSystemPrompt},
			{Role: protocol.RoleUser, Content: b.String()},
		},
		Scenario: "evaluation",
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation LLM call failed: %w", err)
	}

	return parseScores(resp.Content, len(req.Candidates))
}

// parseScores extracts a JSON number array from model output, tolerating
// surrounding prose or code fences, and clamps each score to [0, 1].
func parseScores(content string, want int) ([]float64, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no score array in evaluation response")
	}
	var scores []float64
	if err := json.Unmarshal([]byte(content[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("unparsable score array: %w", err)
	}
	if len(scores) != want {
		return nil, fmt.Errorf("got %d scores for %d candidates", len(scores), want)
	}
	for i, s := range scores {
		if s < 0 {
			scores[i] = 0
		} else if s > 1 {
			scores[i] = 1
		}
	}
	return scores, nil
}

// argmax returns the index of the highest score, first on ties.
func argmax(scores []float64) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}
