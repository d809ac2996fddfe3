//go:build !linux

package coverage

import "errors"

func pinToCPU() error {
	return errors.New("cpu affinity is not supported on this platform")
}
