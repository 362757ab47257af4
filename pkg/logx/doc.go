// Package logx is ratecore's structured logging on zerolog.
//
// A Service owns the sinks: a human console writer and an optional JSON
// file. Loggers handed to components carry their fixed fields
// (logx.String("comp", ...)) and follow every Service.Apply, which is how a
// config reload changes the level of a running deployment.
package logx
