package consumer

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

func (c *Consumer) handleRepoMap(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.RepoMapRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("project_id", req.ProjectID)

	res := protocol.RepoMapResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
	}
	m, err := c.deps.RepoMap.Generate(req.WorkspacePath, req.TokenBudget, req.ActiveFiles)
	if err != nil {
		logger.Error("repo map generation failed", "error", err)
		res.Error = err.Error()
	} else {
		res.Map = m.Text
		res.FileCount = m.FileCount
		res.TagCount = m.TagCount
		res.Languages = m.Languages
	}
	return c.reply(protocol.SubjectRepoMapGenerateResult, res, requestID(msg))
}

func (c *Consumer) handleRetrievalIndex(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.RetrievalIndexRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("project_id", req.ProjectID)

	res := protocol.RetrievalIndexResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
	}
	build, err := c.deps.Indexer.Build(ctx, req.ProjectID, req.WorkspacePath)
	if err != nil {
		logger.Error("index build failed", "error", err)
		res.Status = "error"
		res.Message = err.Error()
	} else {
		res.Status = "ok"
		res.ChunkCount = build.ChunkCount
		res.FileCount = build.FileCount
		res.Incremental = build.Incremental
		res.FilesChanged = build.FilesChanged
		res.FilesUnchanged = build.FilesUnchanged

		if c.deps.Watcher != nil {
			if werr := c.deps.Watcher.Watch(ctx, req.ProjectID, req.WorkspacePath); werr != nil {
				logger.Warn("failed to watch workspace", "error", werr)
			}
		}
	}
	return c.reply(protocol.SubjectRetrievalIndexResult, res, requestID(msg))
}

func (c *Consumer) handleRetrievalSearch(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.RetrievalSearchRequest
	if err := decode(msg, &req); err != nil {
		return err
	}

	hits, err := c.deps.Indexer.Search(ctx, req.ProjectID, req.Query, req.TopK)
	if err != nil {
		return fmt.Errorf("retrieval search failed: %w", err)
	}
	if hits == nil {
		hits = []protocol.SearchHit{}
	}
	return c.reply(protocol.SubjectRetrievalSearchResult, protocol.RetrievalSearchResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
		Results:   hits,
	}, requestID(msg))
}

func (c *Consumer) handleSubagent(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.SubagentRequest
	if err := decode(msg, &req); err != nil {
		return err
	}

	res, err := c.deps.Subagent.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("subagent retrieval failed: %w", err)
	}
	res.RequestID = req.RequestID
	res.ProjectID = req.ProjectID
	if res.Results == nil {
		res.Results = []protocol.SearchHit{}
	}
	return c.reply(protocol.SubjectRetrievalSubagentResult, *res, requestID(msg))
}

func (c *Consumer) handleGraphBuild(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.GraphBuildRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	logger := c.handlerLogger(msg).With("project_id", req.ProjectID)

	res := protocol.GraphBuildResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
	}
	if c.deps.Graph == nil {
		res.Status = "error"
		res.Error = "graph store not configured"
		return c.reply(protocol.SubjectGraphBuildResult, res, requestID(msg))
	}

	build, err := c.deps.Graph.Build(ctx, req.ProjectID, req.WorkspacePath)
	if err != nil {
		logger.Error("graph build failed", "error", err)
		res.Status = "error"
		res.Error = err.Error()
	} else {
		res.Status = "ok"
		res.NodeCount = len(build.Nodes)
		res.EdgeCount = len(build.Edges)
		res.Languages = build.Languages
	}
	return c.reply(protocol.SubjectGraphBuildResult, res, requestID(msg))
}

func (c *Consumer) handleGraphSearch(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.GraphSearchRequest
	if err := decode(msg, &req); err != nil {
		return err
	}

	if c.deps.Graph == nil {
		return c.reply(protocol.SubjectGraphSearchResult, protocol.GraphSearchResult{
			RequestID: req.RequestID,
			ProjectID: req.ProjectID,
			Results:   []protocol.GraphSearchHit{},
			Error:     "graph store not configured",
		}, requestID(msg))
	}

	hits, err := c.deps.Graph.Search(ctx, req)
	if err != nil {
		return fmt.Errorf("graph search failed: %w", err)
	}
	if hits == nil {
		hits = []protocol.GraphSearchHit{}
	}
	return c.reply(protocol.SubjectGraphSearchResult, protocol.GraphSearchResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
		Results:   hits,
	}, requestID(msg))
}
