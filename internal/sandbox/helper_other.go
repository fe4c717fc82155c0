//go:build !linux

package sandbox

import "errors"

// HelperMain only exists on Linux; elsewhere the executor never spawns
// the helper.
func HelperMain() error {
	return errors.New("sandbox helper is only supported on Linux")
}
