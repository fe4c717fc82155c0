package policy

import (
	"strings"
)

// ExactKey renders a command in a stable form used for exact-match
// approval caching. Arguments are joined with an unambiguous separator
// so that ["a b"] and ["a","b"] produce different keys.
func ExactKey(command []string) string {
	return strings.Join(command, "\x1f")
}

// ShapeKey renders the coarse shape of a command: the program plus its
// first subcommand word for programs that take one. Session-scoped
// approvals cover every command with the same shape.
func ShapeKey(command []string) string {
	if len(command) == 0 {
		return ""
	}
	program := baseName(command[0])
	sub := firstNonFlag(command[1:])
	if sub == "" || !takesSubcommand(program) {
		return program
	}
	return program + " " + sub
}

func baseName(program string) string {
	if idx := strings.LastIndexByte(program, '/'); idx >= 0 {
		return program[idx+1:]
	}
	return program
}

// takesSubcommand reports whether the program's first word selects a
// distinct operation worth scoping approvals by.
func takesSubcommand(program string) bool {
	switch program {
	case "git", "go", "cargo", "npm", "pnpm", "yarn", "pip", "pip3",
		"docker", "kubectl", "apt", "apt-get", "dnf", "brew", "make",
		"systemctl", "gh":
		return true
	}
	return false
}
