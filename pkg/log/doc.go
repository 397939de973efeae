// Package log provides relay's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context, backed by logrus. Components
// obtain a tagged logger via WithComponent and attach per-entry fields with
// the Str/Int/Err helpers.
//
// Quick start
//
//	l := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithTextFormat())
//	l = l.With(log.Component("coordinator"))
//	l.Info("stream started", log.Str("session_id", sid))
package log
