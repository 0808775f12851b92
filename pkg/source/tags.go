package source

import (
	"regexp"
	"strings"
)

// Per-language definition patterns. Each pattern's first non-empty capture
// group is the symbol name.
type defPattern struct {
	re   *regexp.Regexp
	kind string
}

var defPatterns = map[string][]defPattern{
	"go": {
		{regexp.MustCompile(`^func\s+\([^)]+\)\s+(\w+)`), "method"},
		{regexp.MustCompile(`^func\s+(\w+)`), "function"},
		{regexp.MustCompile(`^type\s+(\w+)`), "type"},
		{regexp.MustCompile(`^const\s+(\w+)`), "const"},
		{regexp.MustCompile(`^var\s+(\w+)`), "var"},
	},
	"python": {
		{regexp.MustCompile(`^\s*def\s+(\w+)`), "function"},
		{regexp.MustCompile(`^\s*class\s+(\w+)`), "class"},
		{regexp.MustCompile(`^(\w+)\s*=\s*`), "var"},
	},
	"javascript": {
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`), "function"},
		{regexp.MustCompile(`^\s*(?:export\s+)?class\s+(\w+)`), "class"},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=`), "var"},
	},
	"typescript": {
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`), "function"},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+(\w+)`), "class"},
		{regexp.MustCompile(`^\s*(?:export\s+)?interface\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:export\s+)?type\s+(\w+)\s*=`), "type"},
		{regexp.MustCompile(`^\s*(?:export\s+)?enum\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=`), "var"},
	},
	"java": {
		{regexp.MustCompile(`^\s*(?:public|protected|private)?\s*(?:static\s+)?(?:final\s+)?(?:abstract\s+)?class\s+(\w+)`), "class"},
		{regexp.MustCompile(`^\s*(?:public|protected|private)?\s*interface\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:public|protected|private)?\s*enum\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:public|protected|private)\s+(?:static\s+)?(?:final\s+)?[\w<>\[\],\s]+\s+(\w+)\s*\(`), "method"},
	},
	"rust": {
		{regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+(\w+)`), "function"},
		{regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:pub\s+)?enum\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:pub\s+)?trait\s+(\w+)`), "type"},
		{regexp.MustCompile(`^\s*(?:pub\s+)?const\s+(\w+)`), "const"},
	},
	"ruby": {
		{regexp.MustCompile(`^\s*def\s+(?:self\.)?(\w+)`), "function"},
		{regexp.MustCompile(`^\s*class\s+(\w+)`), "class"},
		{regexp.MustCompile(`^\s*module\s+(\w+)`), "class"},
	},
	"c": {
		{regexp.MustCompile(`^[\w\*]+[\s\*]+(\w+)\s*\([^;]*$`), "function"},
		{regexp.MustCompile(`^\s*(?:typedef\s+)?struct\s+(\w+)`), "type"},
		{regexp.MustCompile(`^#define\s+(\w+)`), "const"},
	},
	"cpp": {
		{regexp.MustCompile(`^[\w:\*<>]+[\s\*]+(\w+)\s*\([^;]*$`), "function"},
		{regexp.MustCompile(`^\s*class\s+(\w+)`), "class"},
		{regexp.MustCompile(`^\s*(?:typedef\s+)?struct\s+(\w+)`), "type"},
		{regexp.MustCompile(`^#define\s+(\w+)`), "const"},
	},
}

var importPatterns = map[string][]*regexp.Regexp{
	"go": {
		regexp.MustCompile(`^\s*(?:\w+\s+)?"([^"]+)"`),
		regexp.MustCompile(`^import\s+(?:\w+\s+)?"([^"]+)"`),
	},
	"python": {
		regexp.MustCompile(`^\s*import\s+([\w.]+)`),
		regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import`),
	},
	"javascript": {
		regexp.MustCompile(`^\s*import\s+.*from\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`require\(['"]([^'"]+)['"]\)`),
	},
	"typescript": {
		regexp.MustCompile(`^\s*import\s+.*from\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`),
	},
	"java": {
		regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.]+);`),
	},
	"rust": {
		regexp.MustCompile(`^\s*use\s+([\w:]+)`),
	},
	"ruby": {
		regexp.MustCompile(`^\s*require(?:_relative)?\s+['"]([^'"]+)['"]`),
	},
	"c": {
		regexp.MustCompile(`^#include\s+[<"]([^>"]+)[>"]`),
	},
	"cpp": {
		regexp.MustCompile(`^#include\s+[<"]([^>"]+)[>"]`),
	},
}

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]+`)

// Language keywords and common builtins excluded from reference tags.
var keywords = map[string]bool{
	"break": true, "case": true, "catch": true, "chan": true, "class": true,
	"const": true, "continue": true, "def": true, "default": true,
	"defer": true, "delete": true, "do": true, "elif": true, "else": true,
	"enum": true, "except": true, "export": true, "extends": true,
	"false": true, "finally": true, "fn": true, "for": true, "from": true,
	"func": true, "function": true, "go": true, "goto": true, "if": true,
	"impl": true, "import": true, "in": true, "interface": true, "int": true,
	"is": true, "lambda": true, "let": true, "map": true, "match": true,
	"mod": true, "module": true, "new": true, "nil": true, "none": true,
	"not": true, "null": true, "of": true, "or": true, "and": true,
	"package": true, "pass": true, "print": true, "private": true,
	"protected": true, "pub": true, "public": true, "raise": true,
	"range": true, "require": true, "return": true, "select": true,
	"self": true, "static": true, "string": true, "struct": true,
	"super": true, "switch": true, "this": true, "throw": true,
	"trait": true, "true": true, "try": true, "type": true, "typedef": true,
	"undefined": true, "use": true, "var": true, "void": true, "while": true,
	"with": true, "yield": true, "async": true, "await": true, "bool": true,
	"byte": true, "error": true, "float64": true, "int64": true,
	"str": true, "len": true, "make": true, "append": true, "include": true,
	"define": true, "final": true, "abstract": true, "implements": true,
	"elsif": true, "end": true, "then": true, "loop": true,
}

// Extract returns the definition and reference tags of one file.
// References are identifier occurrences of length >= 2 that are not
// keywords and not the definition occurrence itself.
func Extract(f File) []Tag {
	patterns := defPatterns[f.Language]
	var tags []Tag

	lines := strings.Split(f.Content, "\n")
	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimRight(line, "\r")

		defNames := make(map[string]bool)
		for _, p := range patterns {
			m := p.re.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			name := firstGroup(m)
			if name == "" || keywords[strings.ToLower(name)] {
				continue
			}
			tags = append(tags, Tag{
				Path:    f.Path,
				Line:    lineNo,
				Name:    name,
				Kind:    TagDef,
				DefKind: p.kind,
			})
			defNames[name] = true
			break
		}

		if isCommentLine(trimmed, f.Language) {
			continue
		}
		for _, ident := range identRe.FindAllString(trimmed, -1) {
			if len(ident) < 2 || keywords[strings.ToLower(ident)] || defNames[ident] {
				continue
			}
			tags = append(tags, Tag{
				Path: f.Path,
				Line: lineNo,
				Name: ident,
				Kind: TagRef,
			})
		}
	}
	return tags
}

// Imports returns the module names a file imports.
func Imports(f File) []string {
	patterns := importPatterns[f.Language]
	if len(patterns) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var imports []string
	inGoImportBlock := false

	for _, line := range strings.Split(f.Content, "\n") {
		trimmed := strings.TrimSpace(line)

		if f.Language == "go" {
			if strings.HasPrefix(trimmed, "import (") {
				inGoImportBlock = true
				continue
			}
			if inGoImportBlock && trimmed == ")" {
				inGoImportBlock = false
				continue
			}
			if !inGoImportBlock && !strings.HasPrefix(trimmed, "import") {
				continue
			}
		}

		for _, re := range patterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name := firstGroup(m)
			if name != "" && !seen[name] {
				seen[name] = true
				imports = append(imports, name)
			}
			break
		}
	}
	return imports
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

func isCommentLine(line, language string) bool {
	trimmed := strings.TrimSpace(line)
	switch language {
	case "python", "ruby":
		return strings.HasPrefix(trimmed, "#")
	default:
		return strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*")
	}
}

// Definitions filters a tag list down to definitions.
func Definitions(tags []Tag) []Tag {
	var defs []Tag
	for _, t := range tags {
		if t.Kind == TagDef {
			defs = append(defs, t)
		}
	}
	return defs
}

// References filters a tag list down to references.
func References(tags []Tag) []Tag {
	var refs []Tag
	for _, t := range tags {
		if t.Kind == TagRef {
			refs = append(refs, t)
		}
	}
	return refs
}
