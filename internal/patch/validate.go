package patch

import (
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_bash "github.com/tree-sitter/tree-sitter-bash/bindings/go"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// Validator syntax-checks patched files with tree-sitter before they
// are written back. Files in languages without a grammar pass through
// unchecked.
type Validator struct {
	languages map[string]unsafe.Pointer
}

// SyntaxError is one error node found while parsing.
type SyntaxError struct {
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Kind   string `json:"kind"`
}

// ValidationResult is the outcome of checking one file.
type ValidationResult struct {
	Valid    bool          `json:"valid"`
	Language string        `json:"language"`
	Errors   []SyntaxError `json:"errors,omitempty"`
}

// Summary renders the first few errors for an error message.
func (r *ValidationResult) Summary() string {
	if r.Valid || len(r.Errors) == 0 {
		return "no errors"
	}
	parts := make([]string, 0, 3)
	for i, e := range r.Errors {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(r.Errors)-i))
			break
		}
		parts = append(parts, fmt.Sprintf("%d:%d %s", e.Line, e.Column, e.Kind))
	}
	return strings.Join(parts, "; ")
}

// NewValidator returns a validator for the supported grammars.
func NewValidator() *Validator {
	return &Validator{
		languages: map[string]unsafe.Pointer{
			"go":         tree_sitter_go.Language(),
			"python":     tree_sitter_python.Language(),
			"typescript": tree_sitter_typescript.LanguageTypescript(),
			"javascript": tree_sitter_typescript.LanguageTypescript(),
			"tsx":        tree_sitter_typescript.LanguageTSX(),
			"bash":       tree_sitter_bash.Language(),
		},
	}
}

// languageForPath maps a file name to a grammar key, empty when the
// language is not checked.
func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".ts":
		return "typescript"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".tsx", ".jsx":
		return "tsx"
	case ".sh", ".bash":
		return "bash"
	default:
		return ""
	}
}

// ValidateFile checks content against the grammar matching the file
// name. It returns nil when the language is not supported.
func (v *Validator) ValidateFile(path, content string) *ValidationResult {
	language := languageForPath(path)
	if language == "" {
		return nil
	}
	return v.Validate(content, language)
}

// Validate parses content with the given grammar and collects error
// nodes. Unknown languages and parser failures count as valid: the
// check exists to catch broken edits, not to gate unknown content.
func (v *Validator) Validate(content, language string) *ValidationResult {
	lang, ok := v.languages[language]
	if !ok {
		return &ValidationResult{Valid: true, Language: language}
	}
	if strings.TrimSpace(content) == "" {
		return &ValidationResult{Valid: true, Language: language}
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tree_sitter.NewLanguage(lang)); err != nil {
		return &ValidationResult{Valid: true, Language: language}
	}

	source := []byte(content)
	tree := parser.Parse(source, nil)
	if tree == nil {
		return &ValidationResult{Valid: true, Language: language}
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return &ValidationResult{Valid: true, Language: language}
	}

	result := &ValidationResult{Language: language}
	collectErrors(root, &result.Errors)
	result.Valid = len(result.Errors) == 0
	return result
}

func collectErrors(n *tree_sitter.Node, out *[]SyntaxError) {
	if n == nil {
		return
	}
	kind := n.Kind()
	if kind == "ERROR" || strings.Contains(kind, "MISSING") {
		pos := n.StartPosition()
		*out = append(*out, SyntaxError{
			Line:   int(pos.Row) + 1,
			Column: int(pos.Column) + 1,
			Kind:   kind,
		})
	}
	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		collectErrors(n.Child(i), out)
	}
}
