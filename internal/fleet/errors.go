package fleet

import "errors"

// These conditions are handled inside the simulator and only surface in logs,
// metrics and loader results.
var (
	ErrDegenerateRoute     = errors.New("route has fewer than 2 usable points")
	ErrUnresolvedRoute     = errors.New("route not present in route set")
	ErrMalformedCoordinate = errors.New("missing or non-numeric coordinate")
)
