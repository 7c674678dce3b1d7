// Package log provides structured logging for txProc using zerolog.
//
// Init configures the global Logger from a Config (level, JSON vs
// console output, destination writer). Components take a scoped child
// logger via WithComponent, WithQueue, WithWorkerPID or WithReference
// rather than writing to the global Logger directly, so every line
// carries enough context to follow one queue or one event across
// components.
package log
