package value

import "errors"

// Engine error taxonomy. Store-level and ABI-level failures travel as
// error values (Errv) across the guest boundary; the same conditions
// surface host-side as these sentinels.
var (
	ErrNotFound          = errors.New("not found")
	ErrKindMismatch      = errors.New("kind mismatch")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTrapped           = errors.New("guest trapped")
	ErrAborted           = errors.New("transaction aborted")
	ErrTransportClosed   = errors.New("transport closed")
	ErrInvalidVerb       = errors.New("invalid verb")
)

// CodeOf maps a taxonomy error to its wire code. Unrecognized errors map
// to CodeInternal; nil maps to CodeNone.
func CodeOf(err error) ErrCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrKindMismatch):
		return CodeKindMismatch
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrTrapped):
		return CodeTrapped
	case errors.Is(err, ErrAborted):
		return CodeConflict
	case errors.Is(err, ErrTransportClosed):
		return CodeTransportClosed
	case errors.Is(err, ErrInvalidVerb):
		return CodeInvalidVerb
	}
	return CodeInternal
}

// ErrOf maps a wire code back to its taxonomy sentinel, or nil for
// CodeNone.
func ErrOf(c ErrCode) error {
	switch c {
	case CodeNone:
		return nil
	case CodeNotFound:
		return ErrNotFound
	case CodeKindMismatch:
		return ErrKindMismatch
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeResourceExhausted:
		return ErrResourceExhausted
	case CodeTrapped:
		return ErrTrapped
	case CodeConflict:
		return ErrAborted
	case CodeTransportClosed:
		return ErrTransportClosed
	case CodeInvalidVerb:
		return ErrInvalidVerb
	}
	return errors.New("internal error")
}
