package mapsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `mapsync` package:
// Info:
//     abnormal but expected events. This level should be silent on normal operation,
//     with the exception of one time (infrequent) lifecycle events.
//     this includes:
//     - reconnects and backoff delays
//     - dropped or ignored frames
//     - outbox confirmations that did not remove exactly one entry
// Warning:
//     recovered failures, e.g. a listener panic or a failed outbox write
// Error:
//     unrecoverable failures, e.g. a fatal server error code
// V(1):
//     key lifecycle events with ids that can be used to filter
// V(2):
//     per frame and per dispatch trace

type LogFunction func(string, ...any)

// LogFn logs to glog at verbosity `level` with a bracketed `tag` prefix.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, fmt.Sprintf(format, a...)))
		}
	}
}
