package registry

import "errors"

// ErrPermissionDenied is returned when the AuthorizationOracle denies a
// create or join request; the caller surfaces it as an AuthFailure
// variant per spec.md §7.
var ErrPermissionDenied = errors.New("registry: permission denied")
