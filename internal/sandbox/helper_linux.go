//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// HelperMain is the entry point of the hidden sandbox-helper
// subcommand. It reads a helperSpec from stdin, restricts itself with
// Landlock and then replaces itself with the target command, which
// inherits the restrictions. It never returns on success.
func HelperMain() error {
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}

	var spec helperSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return fmt.Errorf("decode spec: %w", err)
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("spec has no command")
	}

	if err := restrictSelf(&spec); err != nil {
		return err
	}

	binary, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", spec.Command[0], err)
	}
	if spec.WorkingDir != "" {
		if err := os.Chdir(spec.WorkingDir); err != nil {
			return fmt.Errorf("chdir %s: %w", spec.WorkingDir, err)
		}
	}
	return unix.Exec(binary, spec.Command, spec.Env)
}

// restrictSelf applies the filesystem and network rule set to the
// current process. Restrictions are inherited across exec.
func restrictSelf(spec *helperSpec) error {
	rules := []landlock.Rule{}

	// System paths needed to run anything at all.
	for _, path := range []string{
		"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt",
		"/run/current-system/sw", "/nix/store",
	} {
		if _, err := os.Stat(path); err == nil {
			rules = append(rules, landlock.RODirs(path))
		}
	}
	for _, dev := range []string{
		"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom",
		"/dev/stdin", "/dev/stdout", "/dev/stderr",
	} {
		if _, err := os.Stat(dev); err == nil {
			rules = append(rules, landlock.RWFiles(dev))
		}
	}
	if tmp := os.TempDir(); tmp != "" {
		if _, err := os.Stat(tmp); err == nil {
			rules = append(rules, landlock.RWDirs(tmp))
		}
	}
	rules = append(rules, pathRules(spec.ReadableRoots, false)...)
	rules = append(rules, pathRules(spec.WritableRoots, true)...)

	if err := landlock.V6.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("landlock paths: %w", err)
	}

	if !spec.AllowNetwork {
		// No TCP rules at all: every connect and bind is refused on
		// kernels with ABI v4+.
		if err := landlock.V6.BestEffort().RestrictNet(); err != nil {
			return fmt.Errorf("landlock net: %w", err)
		}
	}
	return nil
}

// pathRules builds per-root rules, using file rules for regular files
// since Landlock rejects directory rights on them.
func pathRules(roots []string, write bool) []landlock.Rule {
	rules := make([]landlock.Rule, 0, len(roots))
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		switch {
		case info.IsDir() && write:
			rules = append(rules, landlock.RWDirs(root))
		case info.IsDir():
			rules = append(rules, landlock.RODirs(root))
		case write:
			rules = append(rules, landlock.RWFiles(root))
		default:
			rules = append(rules, landlock.ROFiles(root))
		}
	}
	return rules
}
