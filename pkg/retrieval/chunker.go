package retrieval

import (
	"sort"
	"strings"

	"github.com/codeforge-ai/worker/pkg/source"
)

// DefaultMaxChunkLines splits any larger chunk into equal sub-chunks.
const DefaultMaxChunkLines = 100

// Chunk is one indexed slice of a file. Line numbers are 1-based and
// inclusive.
type Chunk struct {
	Filepath  string
	StartLine int
	EndLine   int
	Content   string
	Language  string
	Symbol    string
}

// chunkFile splits one file into definition chunks plus gap chunks for the
// interstitial code. Files without definitions become a single whole-file
// chunk.
func chunkFile(f source.File, maxLines int) []Chunk {
	if maxLines <= 0 {
		maxLines = DefaultMaxChunkLines
	}

	if strings.TrimSpace(f.Content) == "" {
		return nil
	}
	lines := strings.Split(f.Content, "\n")
	total := len(lines)

	defs := source.Definitions(source.Extract(f))
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Line < defs[j].Line
	})
	// One block per distinct start line; nested single-line collisions keep
	// the first symbol.
	var blocks []source.Tag
	for _, d := range defs {
		if len(blocks) > 0 && blocks[len(blocks)-1].Line == d.Line {
			continue
		}
		blocks = append(blocks, d)
	}

	if len(blocks) == 0 {
		return splitOversized(Chunk{
			Filepath:  f.Path,
			StartLine: 1,
			EndLine:   total,
			Content:   f.Content,
			Language:  f.Language,
		}, lines, maxLines)
	}

	var chunks []Chunk
	emit := func(start, end int, symbol string) {
		if start > end {
			return
		}
		content := strings.Join(lines[start-1:end], "\n")
		if strings.TrimSpace(content) == "" {
			return
		}
		chunks = append(chunks, splitOversized(Chunk{
			Filepath:  f.Path,
			StartLine: start,
			EndLine:   end,
			Content:   content,
			Language:  f.Language,
			Symbol:    symbol,
		}, lines, maxLines)...)
	}

	// Leading gap before the first definition.
	emit(1, blocks[0].Line-1, "")

	for i, block := range blocks {
		end := total
		if i+1 < len(blocks) {
			end = blocks[i+1].Line - 1
		}
		emit(block.Line, end, block.Name)
	}

	return chunks
}

// splitOversized cuts a chunk longer than maxLines into equal-sized
// sub-chunks.
func splitOversized(c Chunk, fileLines []string, maxLines int) []Chunk {
	span := c.EndLine - c.StartLine + 1
	if span <= maxLines {
		return []Chunk{c}
	}

	parts := (span + maxLines - 1) / maxLines
	per := (span + parts - 1) / parts

	var out []Chunk
	for start := c.StartLine; start <= c.EndLine; start += per {
		end := start + per - 1
		if end > c.EndLine {
			end = c.EndLine
		}
		out = append(out, Chunk{
			Filepath:  c.Filepath,
			StartLine: start,
			EndLine:   end,
			Content:   strings.Join(fileLines[start-1:end], "\n"),
			Language:  c.Language,
			Symbol:    c.Symbol,
		})
	}
	return out
}
