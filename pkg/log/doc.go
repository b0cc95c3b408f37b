// Package log provides structured logging for the session store using
// zerolog. A global Logger is configured once via Init; library code
// derives child loggers with WithComponent/WithTenant/WithSession/WithOp
// rather than touching the global logger directly.
package log
