package policy

import (
	"path/filepath"
	"strings"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
)

// Engine evaluates the ordered rule table against proposed commands.
// Rules can be swapped at runtime (hot reload); a Classify call always
// sees one consistent table.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule

	// resolve canonicalizes a path against a base directory. Replaced
	// in tests.
	resolve func(base, path string) (string, error)
}

// NewEngine returns an engine loaded with the default rule table.
func NewEngine() *Engine {
	return &Engine{
		rules:   DefaultRules(),
		resolve: Canonicalize,
	}
}

// NewEngineWithRules returns an engine using the given table.
func NewEngineWithRules(rules []Rule) *Engine {
	return &Engine{
		rules:   rules,
		resolve: Canonicalize,
	}
}

// SetRules atomically replaces the rule table.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Rules returns a copy of the active rule table.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// SplitCommand tokenizes a shell-ish command string into argv form.
func SplitCommand(command string) ([]string, error) {
	return shellwords.Parse(command)
}

// Classify returns the policy decision for a proposed command. Shell
// wrapper invocations (sh -c "...") are unwrapped and every contained
// command is classified; the most severe verdict wins.
func (e *Engine) Classify(command []string, ctx Context) Decision {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	if len(command) == 0 {
		return Decision{
			Verdict:       VerdictDeny,
			Justification: "empty command",
		}
	}

	writable, readable := e.scopes(ctx)
	constraint := Constraint{
		WritableRoots: writable,
		ReadableRoots: ctx.ReadableRoots,
	}

	var dec Decision
	if unwrapped, ok := unwrapLaunchers(command); !ok {
		dec = Decision{
			Verdict:       VerdictAskUser,
			Constraint:    constraint,
			Justification: "launcher wrapper obscures the underlying command",
			Rule:          "launcher-unwrap",
		}
	} else if script, ok := shellScript(unwrapped); ok {
		dec = e.classifyScript(rules, script, ctx, writable, readable, constraint)
	} else {
		dec = e.classifyArgv(rules, unwrapped, ctx, writable, readable, constraint)
	}

	// A prior session approval upgrades an ask to sandboxed execution,
	// keeping whatever network grant the matched rule carried.
	if dec.Verdict == VerdictAskUser && ctx.IsApproved != nil && ctx.IsApproved(command) {
		dec = Decision{
			Verdict:       VerdictAllowSandboxed,
			Constraint:    dec.Constraint,
			Justification: "approved earlier in this session",
			Rule:          "approval-cache",
		}
	}
	return dec
}

// scopes canonicalizes the declared roots once per classification.
// The working directory is implicitly part of both scopes.
func (e *Engine) scopes(ctx Context) (writable, readable []string) {
	add := func(dst []string, path string) []string {
		if path == "" {
			return dst
		}
		canon, err := e.resolve(ctx.WorkingDir, path)
		if err != nil {
			return dst
		}
		return append(dst, canon)
	}

	writable = add(nil, ctx.WorkingDir)
	for _, root := range ctx.WritableRoots {
		writable = add(writable, root)
	}

	readable = append([]string(nil), writable...)
	for _, root := range ctx.ReadableRoots {
		readable = add(readable, root)
	}
	return writable, readable
}

func (e *Engine) classifyArgv(rules []Rule, command []string, ctx Context, writable, readable []string, constraint Constraint) Decision {
	program := filepath.Base(command[0])
	args := command[1:]

	for i := range rules {
		r := &rules[i]
		if !r.matches(program, args) {
			continue
		}

		switch r.Action {
		case ActionDeny:
			return Decision{
				Verdict:       VerdictDeny,
				Constraint:    constraint,
				Justification: r.Reason,
				Rule:          r.Name,
			}

		case ActionDenyOutsideRoots:
			if e.anyPathEscapes(args, ctx, writable) {
				return Decision{
					Verdict:       VerdictDeny,
					Constraint:    constraint,
					Justification: r.Reason,
					Rule:          r.Name,
				}
			}
			// Confined; later rules decide what confined execution
			// looks like.
			continue

		case ActionAllowReadOnly:
			if !e.anyPathEscapes(args, ctx, readable) {
				return Decision{
					Verdict:       VerdictAllow,
					Constraint:    constraint,
					Justification: r.Reason,
					Rule:          r.Name,
				}
			}
			return Decision{
				Verdict:       VerdictAskUser,
				Constraint:    constraint,
				Justification: "path argument outside the declared roots",
				Rule:          r.Name,
			}

		case ActionAllowWrite:
			if !e.anyPathEscapes(args, ctx, writable) {
				c := constraint
				c.AllowNetwork = r.Network
				return Decision{
					Verdict:       VerdictAllowSandboxed,
					Constraint:    c,
					Justification: r.Reason,
					Rule:          r.Name,
				}
			}
			return Decision{
				Verdict:       VerdictAskUser,
				Constraint:    constraint,
				Justification: "path argument outside the declared writable roots",
				Rule:          r.Name,
			}

		case ActionAskUser:
			c := constraint
			c.AllowNetwork = r.Network
			return Decision{
				Verdict:       VerdictAskUser,
				Constraint:    c,
				Justification: r.Reason,
				Rule:          r.Name,
			}
		}
	}

	return Decision{
		Verdict:       VerdictAskUser,
		Constraint:    constraint,
		Justification: "no matching rule for this command",
	}
}

// anyPathEscapes reports whether any argument, treated as a candidate
// path, canonicalizes outside every root in scope. Flag arguments are
// checked for an embedded path (--output=/x, -o/x) so a write target
// cannot hide behind an option. Arguments that fail canonicalization
// count as escaping (fail closed).
func (e *Engine) anyPathEscapes(args []string, ctx Context, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, arg := range args {
		candidate := arg
		if strings.HasPrefix(arg, "-") {
			var ok bool
			candidate, ok = flagPathValue(arg)
			if !ok {
				continue
			}
		}
		if candidate == "" {
			continue
		}
		canon, err := e.resolve(ctx.WorkingDir, candidate)
		if err != nil {
			return true
		}
		if !withinAny(canon, scope) {
			return true
		}
	}
	return false
}

// flagPathValue extracts a path carried inside a flag argument: the
// value of --flag=value, or the operand attached to a short option
// (-o/tmp/out, -o../x). Short-option operands without a path
// separator resolve inside the working directory and need no check.
func flagPathValue(arg string) (string, bool) {
	if i := strings.IndexByte(arg, '='); i >= 0 {
		if i+1 == len(arg) {
			return "", false
		}
		return arg[i+1:], true
	}
	if strings.HasPrefix(arg, "--") {
		return "", false
	}
	i := strings.IndexByte(arg, '/')
	if i <= 0 {
		return "", false
	}
	for i > 1 && arg[i-1] == '.' {
		i--
	}
	return arg[i:], true
}

func (e *Engine) classifyScript(rules []Rule, script string, ctx Context, writable, readable []string, constraint Constraint) Decision {
	analysis, err := analyzeScript(script)
	if err != nil || analysis.hasUnparsed {
		return Decision{
			Verdict:       VerdictAskUser,
			Constraint:    constraint,
			Justification: "shell construct could not be analyzed",
			Rule:          "shell-analysis",
		}
	}

	dec := Decision{
		Verdict:       VerdictAllow,
		Constraint:    constraint,
		Justification: "all script commands individually allowed",
		Rule:          "shell-analysis",
	}

	if analysis.hasSubstitution {
		dec = MoreSevere(dec, Decision{
			Verdict:       VerdictAskUser,
			Constraint:    constraint,
			Justification: "script uses command substitution",
			Rule:          "shell-analysis",
		})
	}

	if len(analysis.commands) == 0 {
		dec = MoreSevere(dec, Decision{
			Verdict:       VerdictAskUser,
			Constraint:    constraint,
			Justification: "script contains no analyzable command",
			Rule:          "shell-analysis",
		})
	}

	for _, cmd := range analysis.commands {
		unwrapped, ok := unwrapLaunchers(cmd)
		if !ok {
			dec = MoreSevere(dec, Decision{
				Verdict:       VerdictAskUser,
				Constraint:    constraint,
				Justification: "launcher wrapper obscures the underlying command",
				Rule:          "launcher-unwrap",
			})
			continue
		}
		dec = MoreSevere(dec, e.classifyArgv(rules, unwrapped, ctx, writable, readable, constraint))
		if dec.Verdict == VerdictDeny {
			return dec
		}
	}

	if len(analysis.redirectTargets) > 0 && e.anyPathEscapes(analysis.redirectTargets, ctx, writable) {
		dec = MoreSevere(dec, Decision{
			Verdict:       VerdictAskUser,
			Constraint:    constraint,
			Justification: "redirection target outside the declared writable roots",
			Rule:          "shell-analysis",
		})
	}

	// A script of individually allowed commands still runs sandboxed:
	// pipes and redirects make the aggregate more than any single
	// inspection command.
	if dec.Verdict == VerdictAllow && len(analysis.commands) > 1 {
		dec.Verdict = VerdictAllowSandboxed
	}
	return dec
}

// unwrapLaunchers peels prefix programs that merely launch their
// trailing arguments (env, nice, nohup, ...) so classification sees
// the program that actually runs. Launcher flags make the real
// program ambiguous (some swallow a following operand); those
// invocations report !ok and classification falls back to asking.
func unwrapLaunchers(command []string) ([]string, bool) {
	for len(command) > 0 {
		program := filepath.Base(command[0])
		switch program {
		case "env", "nice", "nohup", "stdbuf", "setsid", "ionice", "time", "timeout":
		default:
			return command, true
		}

		rest := command[1:]
		for len(rest) > 0 {
			arg := rest[0]
			if arg == "--" {
				rest = rest[1:]
				break
			}
			if strings.HasPrefix(arg, "-") {
				return nil, false
			}
			if program == "env" && strings.Contains(arg, "=") {
				rest = rest[1:]
				continue
			}
			if program == "timeout" && isDuration(arg) {
				rest = rest[1:]
				continue
			}
			break
		}
		if len(rest) == 0 {
			return nil, false
		}
		command = rest
	}
	return nil, false
}

// isDuration matches timeout's DURATION operand (30, 1.5, 10s, 2m).
func isDuration(arg string) bool {
	if arg == "" {
		return false
	}
	body := arg
	switch body[len(body)-1] {
	case 's', 'm', 'h', 'd':
		body = body[:len(body)-1]
	}
	if body == "" {
		return false
	}
	dot := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '.' && !dot {
			dot = true
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// shellScript detects a shell wrapper invocation and extracts its script.
func shellScript(command []string) (string, bool) {
	if len(command) < 3 {
		return "", false
	}
	switch filepath.Base(command[0]) {
	case "bash", "sh", "zsh", "dash", "ksh":
	default:
		return "", false
	}
	for i := 1; i < len(command)-1; i++ {
		switch command[i] {
		case "-c", "-lc", "-ec", "-euc":
			return command[i+1], true
		}
	}
	return "", false
}
