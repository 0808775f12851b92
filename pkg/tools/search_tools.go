package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

const (
	maxSearchMatches   = 100
	maxGlobPaths       = 500
	maxListEntries     = 500
	maxListDepth       = 3
	maxSearchableBytes = 1 << 20 // skip files larger than 1 MiB
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// SearchFilesTool runs a regex search over workspace files.
type SearchFilesTool struct {
	sandbox *Sandbox
}

type searchFilesArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Include string `json:"include,omitempty" jsonschema:"description=Glob restricting which file names are searched, e.g. *.go"`
}

// NewSearchFilesTool creates the search_files tool.
func NewSearchFilesTool(sandbox *Sandbox) *SearchFilesTool {
	return &SearchFilesTool{sandbox: sandbox}
}

func (t *SearchFilesTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "search_files",
		Description: "Search workspace files for a regex pattern. Returns grep-style path:line:text matches, at most 100.",
		Parameters:  schemaFor(&searchFilesArgs{}),
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args searchFilesArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}
	if args.Pattern == "" {
		return failf("pattern is required")
	}

	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return failf("invalid pattern: %v", err)
	}

	var matches []string
	err = filepath.WalkDir(t.sandbox.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}
		if args.Include != "" {
			if matched, _ := filepath.Match(args.Include, d.Name()); !matched {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchableBytes {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}

		rel := t.sandbox.Rel(path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, line))
				if len(matches) >= maxSearchMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return failf("search failed: %v", err)
	}

	if len(matches) == 0 {
		return ok("No matches found.")
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= maxSearchMatches {
		out += fmt.Sprintf("\n... match limit of %d reached", maxSearchMatches)
	}
	return ok(out)
}

// GlobFilesTool enumerates files matching a glob.
type GlobFilesTool struct {
	sandbox *Sandbox
}

type globFilesArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern matched against workspace-relative paths, e.g. pkg/**/*.go"`
}

// NewGlobFilesTool creates the glob_files tool.
func NewGlobFilesTool(sandbox *Sandbox) *GlobFilesTool {
	return &GlobFilesTool{sandbox: sandbox}
}

func (t *GlobFilesTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "glob_files",
		Description: "List workspace files whose relative path matches a glob pattern. Returns at most 500 paths.",
		Parameters:  schemaFor(&globFilesArgs{}),
	}
}

func (t *GlobFilesTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args globFilesArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}
	if args.Pattern == "" {
		return failf("pattern is required")
	}

	var paths []string
	err := filepath.WalkDir(t.sandbox.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(paths) >= maxGlobPaths {
			return filepath.SkipAll
		}

		rel := t.sandbox.Rel(path)
		if matchGlob(args.Pattern, rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return failf("glob failed: %v", err)
	}

	if len(paths) == 0 {
		return ok("No files matched.")
	}
	return ok(strings.Join(paths, "\n"))
}

// matchGlob matches a workspace-relative path against a glob, treating "**"
// as any number of path segments.
func matchGlob(pattern, rel string) bool {
	if matched, _ := filepath.Match(pattern, rel); matched {
		return true
	}
	if strings.Contains(pattern, "**") {
		re := globToRegexp(pattern)
		if re != nil && re.MatchString(rel) {
			return true
		}
	}
	// A bare file pattern matches at any depth.
	if !strings.ContainsRune(pattern, filepath.Separator) {
		if matched, _ := filepath.Match(pattern, filepath.Base(rel)); matched {
			return true
		}
	}
	return false
}

func globToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			sb.WriteString(`(?:[^/]+/)*`)
			i += 2
		case strings.HasPrefix(pattern[i:], "**"):
			sb.WriteString(`.*`)
			i++
		case pattern[i] == '*':
			sb.WriteString(`[^/]*`)
		case pattern[i] == '?':
			sb.WriteString(`[^/]`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil
	}
	return re
}

// ListDirectoryTool enumerates directory entries.
type ListDirectoryTool struct {
	sandbox *Sandbox
}

type listDirectoryArgs struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list, relative to the workspace; defaults to the root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Recurse into subdirectories (max depth 3)"`
}

// NewListDirectoryTool creates the list_directory tool.
func NewListDirectoryTool(sandbox *Sandbox) *ListDirectoryTool {
	return &ListDirectoryTool{sandbox: sandbox}
}

func (t *ListDirectoryTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "list_directory",
		Description: "List directory entries with [DIR]/[FILE] prefixes. Optional recursion to depth 3, at most 500 entries.",
		Parameters:  schemaFor(&listDirectoryArgs{}),
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args listDirectoryArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}

	root, err := t.sandbox.Resolve(args.Path)
	if err != nil {
		return failf("%v", err)
	}

	maxDepth := 1
	if args.Recursive {
		maxDepth = maxListDepth
	}

	var entries []string
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, item := range items {
			if len(entries) >= maxListEntries {
				return nil
			}
			rel := t.sandbox.Rel(filepath.Join(dir, item.Name()))
			if item.IsDir() {
				if skipDirs[item.Name()] {
					continue
				}
				entries = append(entries, "[DIR]  "+rel)
				if depth < maxDepth {
					if err := walk(filepath.Join(dir, item.Name()), depth+1); err != nil {
						return err
					}
				}
			} else {
				entries = append(entries, "[FILE] "+rel)
			}
		}
		return nil
	}

	if err := walk(root, 1); err != nil {
		return failf("failed to list %s: %v", args.Path, err)
	}
	if len(entries) == 0 {
		return ok("Directory is empty.")
	}
	return ok(strings.Join(entries, "\n"))
}

// isText reports whether data looks like text rather than a binary blob.
func isText(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
