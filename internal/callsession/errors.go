package callsession

import (
	"errors"

	"github.com/tjfontaine/carecall/internal/callid"
)

var (
	// ErrInvalidIdentifier is re-exported so callers only need this package.
	ErrInvalidIdentifier = callid.ErrInvalidIdentifier
	// ErrIdentifierConflict rejects an attempt to overwrite a set vendor call id.
	ErrIdentifierConflict = errors.New("vendor call identifier already set to a different value")
	// ErrAlreadyActive rejects a start while a session is connecting, active or ending.
	ErrAlreadyActive     = errors.New("a consultation session is already live")
	ErrVendorStartFailed = errors.New("vendor start failed")
	ErrVendorStopFailed  = errors.New("vendor stop failed")
	// ErrConnectTimeout is joined with ErrVendorStartFailed when the vendor never accepts the call.
	ErrConnectTimeout = errors.New("vendor did not accept the call in time")
	// ErrStaleEvent marks a vendor callback that arrived outside the phase it is meaningful in.
	// It is counted and logged, never returned to callers.
	ErrStaleEvent = errors.New("stale vendor event discarded")
	// ErrNoStopMethod means neither the vendor nor the call handle can stop a call.
	ErrNoStopMethod = errors.New("no stop method available on vendor or call handle")
	ErrDisposed     = errors.New("coordinator disposed")
)
