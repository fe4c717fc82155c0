package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Action determines how a matched rule translates into a verdict.
type Action string

const (
	// ActionDeny refuses the command unconditionally.
	ActionDeny Action = "deny"
	// ActionDenyOutsideRoots refuses only when a path argument escapes
	// the writable roots; otherwise the rule does not match and
	// evaluation continues.
	ActionDenyOutsideRoots Action = "deny-outside-roots"
	// ActionAllowReadOnly allows without isolation when every path
	// argument stays inside the readable scope, demotes to ask-user
	// otherwise.
	ActionAllowReadOnly Action = "allow-read-only"
	// ActionAllowWrite allows sandboxed execution when every path
	// argument stays inside the writable roots, demotes to ask-user
	// otherwise.
	ActionAllowWrite Action = "allow-write"
	// ActionAskUser always requires approval. Combined with Network it
	// marks the command as network-permitting once approved.
	ActionAskUser Action = "ask-user"
)

// Rule is one entry in the ordered rule table. Most specific rules come
// first; the first match wins.
type Rule struct {
	Name string `json:"name"`
	// Programs are base names the command's program must match.
	Programs []string `json:"programs"`
	// Subcommands, when set, require the first non-flag argument to be
	// one of these (git status, go build, ...).
	Subcommands []string `json:"subcommands,omitempty"`
	// FlagsAny, when set, requires at least one of these flags to be
	// present for the rule to match.
	FlagsAny []string `json:"flags_any,omitempty"`
	// ForbidArgs disqualifies the rule when any of these arguments is
	// present (find -delete stops being read-only).
	ForbidArgs []string `json:"forbid_args,omitempty"`
	Action     Action   `json:"action"`
	// Network marks the command as network-permitting: granted in the
	// sandbox constraint once the command is allowed or approved.
	Network bool   `json:"network,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// matches reports whether the rule applies to the given program and
// argument list, ignoring path confinement (the engine checks that).
func (r *Rule) matches(program string, args []string) bool {
	if len(r.Programs) > 0 {
		found := false
		for _, p := range r.Programs {
			if p == program {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.Subcommands) > 0 {
		sub := firstNonFlag(args)
		found := false
		for _, s := range r.Subcommands {
			if s == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.FlagsAny) > 0 {
		found := false
		for _, arg := range args {
			for _, f := range r.FlagsAny {
				if arg == f {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	for _, arg := range args {
		for _, forbidden := range r.ForbidArgs {
			if arg == forbidden {
				return false
			}
		}
	}

	return true
}

func firstNonFlag(args []string) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}
	return ""
}

// ruleFile is the on-disk rules format. Version exists so the format
// can evolve without guessing.
type ruleFile struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
}

// LoadRules reads a rule table from a JSON file. Loaded rules replace
// the defaults entirely.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if file.Version != 1 {
		return nil, fmt.Errorf("unsupported rules file version %d", file.Version)
	}

	for i := range file.Rules {
		if err := validateRule(&file.Rules[i]); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, file.Rules[i].Name, err)
		}
	}
	return file.Rules, nil
}

func validateRule(r *Rule) error {
	switch r.Action {
	case ActionDeny, ActionDenyOutsideRoots, ActionAllowReadOnly, ActionAllowWrite, ActionAskUser:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if len(r.Programs) == 0 {
		return fmt.Errorf("rule matches no programs")
	}
	return nil
}

// DefaultRules returns the built-in rule table, ordered most specific
// first: denies, then read-only allows, then confined writes, then
// network-permitting ask rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "privilege-escalation",
			Programs: []string{"sudo", "doas", "su", "pkexec"},
			Action:   ActionDeny,
			Reason:   "privilege escalation is never run by the agent",
		},
		{
			Name:     "system-state",
			Programs: []string{"shutdown", "reboot", "halt", "poweroff", "init", "systemctl"},
			Action:   ActionDeny,
			Reason:   "host power and service state are off limits",
		},
		{
			Name:     "filesystem-format",
			Programs: []string{"mkfs", "mkfs.ext4", "mkfs.xfs", "mkfs.btrfs", "mkswap", "fdisk", "parted"},
			Action:   ActionDeny,
			Reason:   "block device operations are off limits",
		},
		{
			Name:     "destructive-removal-outside-roots",
			Programs: []string{"rm", "shred"},
			FlagsAny: []string{"-r", "-rf", "-fr", "-R", "-Rf", "--recursive", "-f", "--force"},
			Action:   ActionDenyOutsideRoots,
			Reason:   "recursive or forced removal outside the declared writable roots",
		},
		{
			Name: "read-only-inspection",
			Programs: []string{
				"ls", "cat", "head", "tail", "less", "more", "file", "stat", "wc",
				"grep", "egrep", "fgrep", "rg", "pwd", "echo", "printf", "date",
				"whoami", "id", "uname", "du", "df", "tree", "basename", "dirname",
				"realpath", "readlink", "which", "whereis", "sort", "uniq",
				"cut", "tr", "nl", "diff", "cmp", "md5sum", "sha1sum", "sha256sum",
			},
			Action: ActionAllowReadOnly,
			Reason: "read-only inspection command",
		},
		{
			Name:       "find-read-only",
			Programs:   []string{"find", "fd"},
			ForbidArgs: []string{"-delete", "-exec", "-execdir", "-ok", "-okdir"},
			Action:     ActionAllowReadOnly,
			Reason:     "filesystem search without side effects",
		},
		{
			Name:     "git-read-only",
			Programs: []string{"git"},
			Subcommands: []string{
				"status", "log", "diff", "show", "branch", "blame", "shortlog",
				"describe", "rev-parse", "ls-files", "grep", "reflog",
			},
			Action: ActionAllowReadOnly,
			Reason: "repository inspection",
		},
		{
			Name:        "git-local-write",
			Programs:    []string{"git"},
			Subcommands: []string{"add", "commit", "checkout", "switch", "restore", "stash", "merge", "rebase", "cherry-pick", "revert", "mv", "rm", "apply", "init"},
			Action:      ActionAllowWrite,
			Reason:      "local repository mutation confined to the worktree",
		},
		{
			Name:        "git-network",
			Programs:    []string{"git"},
			Subcommands: []string{"fetch", "pull", "clone", "push", "remote", "submodule"},
			Action:      ActionAskUser,
			Network:     true,
			Reason:      "repository operation that reaches the network",
		},
		{
			Name: "workspace-write",
			Programs: []string{
				"mkdir", "touch", "cp", "mv", "rm", "tee", "sed", "awk", "ln",
				"chmod", "tar", "unzip", "zip", "gzip", "gunzip", "patch",
			},
			Action: ActionAllowWrite,
			Reason: "file mutation confined to the declared writable roots",
		},
		{
			Name: "build-and-test",
			Programs: []string{
				"make", "cmake", "ninja", "gcc", "g++", "clang", "rustc",
				"python", "python3", "node", "pytest", "tsc",
			},
			Action: ActionAllowWrite,
			Reason: "build or test run confined to the workspace",
		},
		{
			Name:        "go-toolchain-local",
			Programs:    []string{"go"},
			Subcommands: []string{"build", "test", "vet", "fmt", "run", "version", "env", "list"},
			Action:      ActionAllowWrite,
			Reason:      "Go toolchain invocation without module downloads",
		},
		{
			Name:        "cargo-local",
			Programs:    []string{"cargo"},
			Subcommands: []string{"build", "test", "check", "fmt", "clippy", "run"},
			Action:      ActionAllowWrite,
			Reason:      "Cargo invocation without registry access",
		},
		{
			Name: "network-fetch",
			Programs: []string{
				"curl", "wget", "ssh", "scp", "rsync", "nc", "telnet", "ping", "dig", "host", "nslookup",
			},
			Action:  ActionAskUser,
			Network: true,
			Reason:  "command reaches the network",
		},
		{
			Name: "package-install",
			Programs: []string{
				"pip", "pip3", "npm", "npx", "yarn", "pnpm", "gem", "composer",
				"apt", "apt-get", "dnf", "yum", "pacman", "brew",
			},
			Action:  ActionAskUser,
			Network: true,
			Reason:  "package installation downloads and runs third-party code",
		},
		{
			Name:        "go-toolchain-network",
			Programs:    []string{"go"},
			Subcommands: []string{"get", "install", "mod"},
			Action:      ActionAskUser,
			Network:     true,
			Reason:      "Go toolchain invocation that downloads modules",
		},
	}
}
