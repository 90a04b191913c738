// Package log provides the logging abstraction shared by rttbridge packages.
//
// Library code depends only on the Logger interface. The command line wires
// a zerolog-backed adapter; tests use the no-op logger:
//
//	logger := log.NewZerologAdapter(zerolog.InfoLevel)
//	logger.Info("session started", log.String("device", "nrf5340"))
//
//	quiet := log.NewNoopLogger()
package log
