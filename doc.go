// Package conveyor provides a background job-queueing core for Go.
// Callers enqueue typed units of work, register one handler per job type,
// and the engine dispatches eligible jobs with priority ordering, delayed
// execution, retry with backoff, retention pruning, and graceful shutdown.
//
// Conveyor is a library, not a service. Construct an engine, register
// handlers as ordinary Go functions, and enqueue work:
//
//	eng, err := engine.New(conveyor.DefaultConfig())
//	if err != nil { ... }
//	eng.Process("email", sendEmail)
//	j, err := eng.Add(ctx, "email", map[string]string{"to": "a@b.com"})
//
// # Transports
//
// Persistence and dispatch are backed by a pluggable transport. The
// in-process memory transport is the default and requires nothing
// external; Redis and PostgreSQL transports satisfy the identical
// contract for durable work. When a configured backend is unreachable at
// construction the engine logs a warning and degrades to the memory
// transport rather than failing application startup.
//
// This root package carries the shared configuration surface, sentinel
// errors, and input validation. The public API lives in the engine
// subpackage.
package conveyor
