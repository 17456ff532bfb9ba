// Package logging constructs slog loggers for storyforge components.
//
// Loggers are built from explicit Options or from application config, emit
// console or JSON output, and can tee into a log file under the configured
// log directory. Components receive a *slog.Logger through their
// constructors; nothing logs through a package-level default.
package logging
