// Package logger provides the process-wide structured logger. It wraps
// logrus instead of hand-rolled ANSI formatting so callers can attach
// queryable fields (such as a connection ID and peer address) through
// Base(); the package-level helpers below are printf-style.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Base returns the process-wide *logrus.Logger so callers that want
// structured fields (connection ID, peer address, phase) can build their
// own *logrus.Entry with WithFields instead of going through the
// package-level helpers below.
func Base() *logrus.Logger {
	return base
}

// SetLevel sets the minimum log level by name ("debug", "info", "warn",
// "error").
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		base.Warnf("unknown log level %q, keeping %s", level, base.GetLevel())
		return
	}
	base.SetLevel(lvl)
}

func Debug(format string, args ...interface{}) { base.Debugf(format, args...) }
func Info(format string, args ...interface{})  { base.Infof(format, args...) }
func Warn(format string, args ...interface{})  { base.Warnf(format, args...) }
func Error(format string, args ...interface{}) { base.Errorf(format, args...) }
func Fatal(format string, args ...interface{}) { base.Fatalf(format, args...) }

// Section prints a plain section header to stdout, independent of the
// structured logger (startup banners aren't meant to be log-parsed).
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-57s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}

// Banner prints the startup banner.
func Banner(title, version string) {
	fmt.Printf("\n%s - version %s\n\n", title, version)
}
