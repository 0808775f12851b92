package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return s
}

func writeWorkspaceFile(t *testing.T, s *Sandbox, rel, content string) {
	t.Helper()
	path := filepath.Join(s.Root(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSandboxRefusesTraversal(t *testing.T) {
	s := newTestSandbox(t)

	_, err := s.Resolve("../outside.txt")
	assert.Error(t, err)

	_, err = s.Resolve("/etc/passwd")
	assert.Error(t, err)

	_, err = s.Resolve("sub/../../escape")
	assert.Error(t, err)

	resolved, err := s.Resolve("sub/../inside.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "inside.txt"), resolved)
}

func TestSandboxRefusesSymlinkEscape(t *testing.T) {
	s := newTestSandbox(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("TOP-SECRET"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(s.Root(), "link")))

	// Existing target behind the link.
	_, err := s.Resolve("link/secret.txt")
	assert.ErrorContains(t, err, "outside the workspace")

	// Not-yet-existing target behind the link (the write_file case).
	_, err = s.Resolve("link/new.txt")
	assert.ErrorContains(t, err, "outside the workspace")

	// The link itself resolves outside too.
	_, err = s.Resolve("link")
	assert.ErrorContains(t, err, "outside the workspace")

	// A file tool sees the same refusal end to end.
	r := NewRegistry()
	RegisterBuiltins(r, s, time.Second)
	result := r.Execute(context.Background(), "read_file", `{"path":"link/secret.txt"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "outside the workspace")
}

func TestSandboxAllowsInternalSymlink(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "real/target.txt", "content")
	require.NoError(t, os.Symlink(filepath.Join(s.Root(), "real"), filepath.Join(s.Root(), "alias")))

	resolved, err := s.Resolve("alias/target.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "real", "target.txt"), resolved)
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), "nope", "{}")
	assert.False(t, result.Success)
	assert.Equal(t, "unknown tool: nope", result.Error)
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	s := newTestSandbox(t)
	r := NewRegistry()
	RegisterBuiltins(r, s, time.Minute)

	defs := r.Definitions()
	require.Len(t, defs, 7)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{
		"bash", "edit_file", "glob_files", "list_directory",
		"read_file", "search_files", "write_file",
	}, names)

	for _, d := range defs {
		assert.Equal(t, "object", d.Parameters["type"], d.Name)
	}
}

func TestReadFileLineNumbersAndSlicing(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "a.txt", "alpha\nbeta\ngamma\ndelta")

	tool := NewReadFileTool(s)

	result := tool.Execute(context.Background(), `{"path":"a.txt"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "1\talpha")
	assert.Contains(t, result.Output, "4\tdelta")

	result = tool.Execute(context.Background(), `{"path":"a.txt","offset":2,"limit":2}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "2\tbeta")
	assert.Contains(t, result.Output, "3\tgamma")
	assert.NotContains(t, result.Output, "alpha")
	assert.NotContains(t, result.Output, "delta")

	result = tool.Execute(context.Background(), `{"path":"a.txt","offset":99}`)
	assert.False(t, result.Success)
}

func TestReadFileOutsideWorkspace(t *testing.T) {
	s := newTestSandbox(t)
	result := NewReadFileTool(s).Execute(context.Background(), `{"path":"../../etc/hosts"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "outside the workspace")
}

func TestWriteFileCreatesParents(t *testing.T) {
	s := newTestSandbox(t)
	result := NewWriteFileTool(s).Execute(context.Background(), `{"path":"deep/nested/file.txt","content":"hello"}`)
	require.True(t, result.Success, result.Error)

	data, err := os.ReadFile(filepath.Join(s.Root(), "deep/nested/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestEditFileExactlyOnce(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "code.go", "x := 1\ny := 1\nz := 2\n")
	tool := NewEditFileTool(s)

	// Ambiguous.
	result := tool.Execute(context.Background(), `{"path":"code.go","old_text":":= 1","new_text":":= 9"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "2 times")

	// Missing.
	result = tool.Execute(context.Background(), `{"path":"code.go","old_text":"absent","new_text":"x"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")

	// Exactly one.
	result = tool.Execute(context.Background(), `{"path":"code.go","old_text":"z := 2","new_text":"z := 3"}`)
	require.True(t, result.Success, result.Error)

	data, err := os.ReadFile(filepath.Join(s.Root(), "code.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "z := 3")
}

func TestBashCapturesStderrUnderSeparator(t *testing.T) {
	s := newTestSandbox(t)
	tool := NewBashTool(s, time.Minute)

	result := tool.Execute(context.Background(), `{"command":"echo out; echo err >&2"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "out")
	assert.Contains(t, result.Output, "--- stderr ---")
	assert.Contains(t, result.Output, "err")
}

func TestBashTimeout(t *testing.T) {
	s := newTestSandbox(t)
	tool := NewBashTool(s, 100*time.Millisecond)

	start := time.Now()
	result := tool.Execute(context.Background(), `{"command":"sleep 5"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestBashFailureCarriesOutput(t *testing.T) {
	s := newTestSandbox(t)
	result := NewBashTool(s, time.Minute).Execute(context.Background(), `{"command":"echo partial; exit 3"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "partial")
	assert.Contains(t, result.Error, "command failed")
}

func TestSearchFilesGrepStyle(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "main.go", "package main\nfunc main() {}\n")
	writeWorkspaceFile(t, s, "util.py", "def main():\n    pass\n")

	tool := NewSearchFilesTool(s)

	result := tool.Execute(context.Background(), `{"pattern":"func main"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "main.go:2:func main() {}")
	assert.NotContains(t, result.Output, "util.py")

	result = tool.Execute(context.Background(), `{"pattern":"main","include":"*.py"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "util.py:1:")
	assert.NotContains(t, result.Output, "main.go")
}

func TestSearchFilesMatchLimit(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "big.txt", strings.Repeat("needle\n", 300))

	result := NewSearchFilesTool(s).Execute(context.Background(), `{"pattern":"needle"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "match limit of 100 reached")
	assert.Equal(t, 100, strings.Count(result.Output, "big.txt:"))
}

func TestSearchFilesInvalidPattern(t *testing.T) {
	s := newTestSandbox(t)
	result := NewSearchFilesTool(s).Execute(context.Background(), `{"pattern":"["}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid pattern")
}

func TestGlobFiles(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "a.go", "")
	writeWorkspaceFile(t, s, "pkg/b.go", "")
	writeWorkspaceFile(t, s, "pkg/sub/c.go", "")
	writeWorkspaceFile(t, s, "d.txt", "")

	tool := NewGlobFilesTool(s)

	result := tool.Execute(context.Background(), `{"pattern":"*.go"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "a.go")
	assert.Contains(t, result.Output, "pkg/b.go")
	assert.NotContains(t, result.Output, "d.txt")

	result = tool.Execute(context.Background(), `{"pattern":"pkg/**/*.go"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "pkg/sub/c.go")
	assert.NotContains(t, result.Output, "a.go\n")
}

func TestGlobFilesSkipsVendoredDirs(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "node_modules/lib/x.js", "")
	writeWorkspaceFile(t, s, "app.js", "")

	result := NewGlobFilesTool(s).Execute(context.Background(), `{"pattern":"*.js"}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "app.js")
	assert.NotContains(t, result.Output, "node_modules")
}

func TestListDirectory(t *testing.T) {
	s := newTestSandbox(t)
	writeWorkspaceFile(t, s, "top.txt", "")
	writeWorkspaceFile(t, s, "sub/inner.txt", "")

	tool := NewListDirectoryTool(s)

	result := tool.Execute(context.Background(), `{}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "[FILE] top.txt")
	assert.Contains(t, result.Output, "[DIR]  sub")
	assert.NotContains(t, result.Output, "inner.txt")

	result = tool.Execute(context.Background(), `{"recursive":true}`)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "[FILE] "+filepath.Join("sub", "inner.txt"))
}

func TestDecodeArgsWeakTyping(t *testing.T) {
	var args readFileArgs
	// Models sometimes send numbers as strings.
	require.NoError(t, decodeArgs(`{"path":"a.txt","offset":"3"}`, &args))
	assert.Equal(t, 3, args.Offset)

	assert.Error(t, decodeArgs(`not json`, &args))
}

func TestMCPToolName(t *testing.T) {
	assert.Equal(t, "mcp__github__create_issue", MCPToolName("github", "create_issue"))
}
