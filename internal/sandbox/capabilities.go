package sandbox

import (
	"os"
	"runtime"
	"strings"
)

// insideSandboxEnv marks processes already running under the helper's
// restrictions, so nested sessions do not try to restrict again.
const insideSandboxEnv = "SCHMIEDE_SANDBOXED"

// Capabilities describes what isolation this system can provide.
type Capabilities struct {
	// LandlockAvailable is true when the kernel lists the Landlock LSM.
	LandlockAvailable bool

	// InsideSandbox is true when this process is itself already
	// confined by an outer helper.
	InsideSandbox bool
}

// DetectCapabilities probes the running system once at startup.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{
		InsideSandbox: os.Getenv(insideSandboxEnv) != "",
	}

	if runtime.GOOS == "linux" {
		caps.LandlockAvailable = checkLandlockLSM()
	}
	return caps
}

// checkLandlockLSM reads the active LSM list. Missing securityfs is
// treated as unavailable; the helper would fail anyway.
func checkLandlockLSM() bool {
	data, err := os.ReadFile("/sys/kernel/security/lsm")
	if err != nil {
		return false
	}
	for _, lsm := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if lsm == "landlock" {
			return true
		}
	}
	return false
}

// CanIsolate reports whether kernel confinement is possible. A process
// already inside a sandbox keeps the outer restrictions and counts as
// isolating.
func (c *Capabilities) CanIsolate() bool {
	return c.LandlockAvailable || c.InsideSandbox
}

// SkipReason returns why isolation is unavailable, or empty when it is.
func (c *Capabilities) SkipReason() string {
	if c.CanIsolate() {
		return ""
	}
	if runtime.GOOS != "linux" {
		return "kernel sandboxing is only implemented for Linux"
	}
	return "Landlock LSM is not enabled in this kernel"
}
