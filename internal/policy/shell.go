package policy

import (
	"fmt"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_bash "github.com/tree-sitter/tree-sitter-bash/bindings/go"
)

// scriptAnalysis is the result of statically parsing a shell script.
type scriptAnalysis struct {
	// commands are the simple commands found in the script, argv form.
	commands [][]string
	// redirectTargets are files the script writes through > or >>.
	redirectTargets []string
	// hasSubstitution is set when the script uses $(...), backticks or
	// process substitution.
	hasSubstitution bool
	// hasUnparsed is set when a command name or argument cannot be
	// resolved statically (variable expansion, parse error).
	hasUnparsed bool
}

// analyzeScript parses a shell script with the bash grammar and extracts
// its simple commands and write-redirection targets.
func analyzeScript(script string) (*scriptAnalysis, error) {
	parser := tree_sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(tree_sitter.NewLanguage(tree_sitter_bash.Language())); err != nil {
		return nil, fmt.Errorf("load bash grammar: %w", err)
	}

	source := []byte(script)
	tree := parser.Parse(source, nil)
	if tree == nil {
		return nil, fmt.Errorf("bash parser returned no tree")
	}
	defer tree.Close()

	root := tree.RootNode()
	analysis := &scriptAnalysis{}
	if root.HasError() {
		analysis.hasUnparsed = true
		return analysis, nil
	}

	walk(root, func(n *tree_sitter.Node) {
		switch n.Kind() {
		case "command":
			argv, ok := extractCommand(n, source)
			if !ok {
				analysis.hasUnparsed = true
				return
			}
			if len(argv) > 0 {
				analysis.commands = append(analysis.commands, argv)
			}
		case "command_substitution", "process_substitution":
			analysis.hasSubstitution = true
		case "file_redirect":
			target, writes := extractRedirect(n, source)
			if writes && target != "" {
				analysis.redirectTargets = append(analysis.redirectTargets, target)
			}
		}
	})

	return analysis, nil
}

func walk(n *tree_sitter.Node, visit func(*tree_sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		walk(n.Child(i), visit)
	}
}

// extractCommand flattens a command node into argv. It returns ok=false
// when the command name or an argument is not statically known.
func extractCommand(n *tree_sitter.Node, source []byte) ([]string, bool) {
	var argv []string
	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "command_name":
			word, ok := literalText(child, source)
			if !ok {
				return nil, false
			}
			argv = append(argv, word)
		case "word", "number":
			argv = append(argv, nodeText(child, source))
		case "string", "raw_string", "concatenation":
			word, ok := literalText(child, source)
			if !ok {
				// Arguments with expansions stay unknown but do not
				// make the whole command unanalyzable; the command
				// word is what rules match on.
				argv = append(argv, nodeText(child, source))
				continue
			}
			argv = append(argv, word)
		case "variable_assignment", "file_redirect", "herestring_redirect", "heredoc_redirect":
			// Handled elsewhere or irrelevant for rule matching.
		case "simple_expansion", "expansion":
			// $VAR as an argument: keep the raw text so path checks
			// fail closed on it.
			argv = append(argv, nodeText(child, source))
		}
	}
	if len(argv) == 0 {
		return nil, false
	}
	return argv, true
}

// literalText resolves a node to plain text when it contains no
// expansions. Quotes around string literals are stripped.
func literalText(n *tree_sitter.Node, source []byte) (string, bool) {
	if hasExpansion(n) {
		return "", false
	}
	text := nodeText(n, source)
	switch n.Kind() {
	case "string":
		text = strings.TrimPrefix(text, `"`)
		text = strings.TrimSuffix(text, `"`)
	case "raw_string":
		text = strings.TrimPrefix(text, `'`)
		text = strings.TrimSuffix(text, `'`)
	}
	return text, true
}

func hasExpansion(n *tree_sitter.Node) bool {
	found := false
	walk(n, func(child *tree_sitter.Node) {
		switch child.Kind() {
		case "expansion", "simple_expansion", "command_substitution", "arithmetic_expansion":
			found = true
		}
	})
	return found
}

// extractRedirect returns the redirect target and whether it writes.
func extractRedirect(n *tree_sitter.Node, source []byte) (target string, writes bool) {
	count := n.ChildCount()
	for i := uint(0); i < count; i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case ">", ">>", "&>", "&>>":
			writes = true
		case "word", "string", "raw_string", "concatenation":
			if text, ok := literalText(child, source); ok {
				target = text
			} else {
				target = nodeText(child, source)
			}
		}
	}
	return target, writes
}

func nodeText(n *tree_sitter.Node, source []byte) string {
	start, end := n.StartByte(), n.EndByte()
	if start >= end || end > uint(len(source)) {
		return ""
	}
	return string(source[start:end])
}
