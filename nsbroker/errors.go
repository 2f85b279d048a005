package nsbroker

import "errors"

// ErrClosed is returned by any Broker method called after Close.
var ErrClosed = errors.New("nsbroker: broker closed")

// ErrNotAbsolute is returned when a path argument is not absolute.
var ErrNotAbsolute = errors.New("nsbroker: path is not absolute")

// ErrDispatcherGone is returned when the dispatcher process closed its
// end of the pipe without replying — a protocol violation from the
// broker's point of view (the one documented exception is the
// new_ns/join_ns takeover, which Init, not these methods, observes).
var ErrDispatcherGone = errors.New("nsbroker: dispatcher closed the connection unexpectedly")
