// Package logging builds the daemon's zap loggers.
//
// Production mode writes JSON to stderr; development mode writes colored
// console lines at debug level. Child processes inherit stderr, so host
// and renderer lines interleave in one stream and are told apart by the
// logger name ("registry", "host", "channel", "renderer").
//
//	logger := logging.NewDefault()
//	regLog := logger.Component("registry")
//	regLog.Info("Child launched", zap.Int("pid", pid))
package logging
