package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerSkip lists function name fragments that never count as the call site.
// The activity mirror is skipped so activity lines point at the component that
// appended the entry rather than at the ring itself.
var callerSkip = []string{
	"sirupsen/logrus",
	"marketsync/logger",
	"marketsync/internal/state.(*State).appendActivity",
}

type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire points entry.Caller at the first frame outside callerSkip.
func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipFrame(fn string) bool {
	for _, s := range callerSkip {
		if strings.Contains(fn, s) {
			return true
		}
	}
	return false
}
