// Package source walks workspaces and extracts lightweight symbol tags
// (definitions, references, imports) from source files. Extraction is
// line-oriented and heuristic: good enough to rank files and build code
// graphs without binding a full parser per language.
package source

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// MaxFiles caps how many source files one walk returns.
	MaxFiles = 2000

	// MaxFileSize skips files larger than 100 KB.
	MaxFileSize = 100 * 1024
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"vendor":        true,
	"__pycache__":   true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".cache":        true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".venv":         true,
	"venv":          true,
}

// SkipDir reports whether a directory name is never descended into.
func SkipDir(name string) bool {
	return skipDirs[name]
}

// languageByExt maps file extensions to language names.
var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".rs":   "rust",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".hpp":  "cpp",
}

// File is one source file found by a walk.
type File struct {
	// Path is workspace-relative with forward slashes.
	Path     string
	Language string
	Content  string
}

// TagKind discriminates definitions from references.
type TagKind string

const (
	TagDef TagKind = "def"
	TagRef TagKind = "ref"
)

// Tag is one symbol occurrence.
type Tag struct {
	Path string
	Line int // 1-based
	Name string
	Kind TagKind
	// DefKind is set for definitions: function, class, type, const, var,
	// method.
	DefKind string
}

// Public reports whether the tag names a public symbol. A leading
// underscore marks private by convention.
func (t Tag) Public() bool {
	return !strings.HasPrefix(t.Name, "_")
}

// Language returns the language for a path, or empty when unsupported.
func Language(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// Walk collects supported source files under root, capped at MaxFiles files
// of at most MaxFileSize bytes each. Paths are returned sorted.
func Walk(root string) ([]File, error) {
	var files []File

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (d.Name() != "." && strings.HasPrefix(d.Name(), ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= MaxFiles {
			return filepath.SkipAll
		}

		lang := Language(path)
		if lang == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > MaxFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		files = append(files, File{
			Path:     filepath.ToSlash(rel),
			Language: lang,
			Content:  string(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// Languages returns the distinct languages of a file set, sorted.
func Languages(files []File) []string {
	seen := make(map[string]bool)
	for _, f := range files {
		seen[f.Language] = true
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
