// Package policy classifies proposed commands into allow, allow-sandboxed,
// ask-user or deny. Classification is a pure function of the command, the
// session context and the engine's rule table: the engine performs no I/O
// beyond path canonicalization against the live filesystem and never
// mutates session state.
package policy

// Verdict is the classification of one proposed command.
type Verdict int

const (
	// VerdictAllow runs the command without isolation.
	VerdictAllow Verdict = iota
	// VerdictAllowSandboxed runs the command under the decision's constraint.
	VerdictAllowSandboxed
	// VerdictAskUser requires an approval round-trip before execution.
	VerdictAskUser
	// VerdictDeny refuses execution outright.
	VerdictDeny
)

// String returns the wire spelling of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictAllowSandboxed:
		return "allow-sandboxed"
	case VerdictAskUser:
		return "ask-user"
	case VerdictDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Constraint is the isolation to apply when a command runs sandboxed.
type Constraint struct {
	// WritableRoots are directories the child may modify.
	WritableRoots []string
	// ReadableRoots are extra directories the child may read beyond the
	// platform defaults.
	ReadableRoots []string
	// AllowNetwork grants outbound network access. Off by default.
	AllowNetwork bool
}

// Decision is an immutable classification result. It is attached to the
// step that produced it and never modified afterwards.
type Decision struct {
	Verdict       Verdict
	Constraint    Constraint
	Justification string
	// Rule names the rule that matched, empty for the default fallback.
	Rule string
}

// Context is the session state the classifier may consult. IsApproved
// reports whether an equivalent command shape was approved earlier in
// the session (or persisted from an earlier one).
type Context struct {
	WorkingDir    string
	WritableRoots []string
	ReadableRoots []string
	IsApproved    func(command []string) bool
}

// severity orders verdicts for combining multi-command scripts.
// Higher dominates.
func severity(v Verdict) int {
	switch v {
	case VerdictAllow:
		return 0
	case VerdictAllowSandboxed:
		return 1
	case VerdictAskUser:
		return 2
	case VerdictDeny:
		return 3
	default:
		return 3
	}
}

// MoreSevere returns the decision with the higher-severity verdict,
// merging the network requirement so an approved script keeps the
// widest constraint any of its commands needs.
func MoreSevere(a, b Decision) Decision {
	winner := a
	if severity(b.Verdict) > severity(a.Verdict) {
		winner = b
	}
	winner.Constraint.AllowNetwork = a.Constraint.AllowNetwork || b.Constraint.AllowNetwork
	return winner
}
