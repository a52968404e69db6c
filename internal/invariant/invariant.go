// Package invariant holds the error every component wraps when a caller
// asks for something the data model forbids: pairing a user with
// themselves, banning a subject twice, reopening a finished session.
// These are programming errors, not business outcomes.
package invariant

import "errors"

// ErrViolation is matched with errors.Is by callers that need to tell a
// broken invariant apart from a transient store failure.
var ErrViolation = errors.New("invariant violation")
