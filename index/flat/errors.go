package flat

import "errors"

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("k must be positive")
