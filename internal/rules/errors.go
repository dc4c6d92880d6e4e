package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound marks a lookup for a rule UID that is not in the store.
	ErrRuleNotFound = errors.New("rule not found")
)

// DeviceError wraps a failed router API call so callers can tell adapter
// failures apart from local lookup failures. Op is "state" for reads and
// "mutate" for writes.
type DeviceError struct {
	Op  string
	UID string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s for rule %s: %v", e.Op, e.UID, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err (or anything it wraps) is a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
