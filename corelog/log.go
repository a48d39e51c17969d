// Package corelog provides the leveled, object-tagged logging calling
// convention used throughout this module, mirroring the
// fs.Debugf(obj, format, args...) idiom the teacher backend is built on.
package corelog

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Logger is the minimal surface this package depends on, satisfied by
// *logrus.Logger and *logrus.Entry alike.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var std Logger = logrus.StandardLogger()

// SetLogger overrides the logger all core components emit through. Core
// code never configures handlers, formatters, or output itself — logging
// is an external collaborator per the spec; this is the injection point.
func SetLogger(l Logger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	std = l
}

func tag(obj interface{}) string {
	if obj == nil {
		return "xpan"
	}
	if s, ok := obj.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", obj)
}

// Debugf logs a debug-level message tagged with obj, e.g. a remote path or
// an upload/download session key.
func Debugf(obj interface{}, format string, args ...interface{}) {
	std.Debugf("%s: "+format, append([]interface{}{tag(obj)}, args...)...)
}

// Infof logs an info-level message tagged with obj.
func Infof(obj interface{}, format string, args ...interface{}) {
	std.Infof("%s: "+format, append([]interface{}{tag(obj)}, args...)...)
}

// Warnf logs a warn-level message tagged with obj.
func Warnf(obj interface{}, format string, args ...interface{}) {
	std.Warnf("%s: "+format, append([]interface{}{tag(obj)}, args...)...)
}

// Errorf logs an error-level message tagged with obj.
func Errorf(obj interface{}, format string, args ...interface{}) {
	std.Errorf("%s: "+format, append([]interface{}{tag(obj)}, args...)...)
}

// Bytes renders a byte count the way transfer-size debug lines report it
// ("10 MB" rather than a raw integer), matching the human-readable
// size formatting rclone uses around its transfer logging.
func Bytes(n int64) string {
	if n < 0 {
		return humanize.Bytes(0)
	}
	return humanize.Bytes(uint64(n))
}
