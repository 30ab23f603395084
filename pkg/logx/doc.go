// Package logx is userbotd's logging layer over zerolog.
//
// The daemon logs through a Service whose sinks (console, file, the admin
// log chat) can be swapped on config reload. Session children use NewWriter
// on stderr and emit JSON lines that the manager re-logs with the identity
// attached. Credentials are logged only through Secret, and libraries that
// want zap get a bridge from Zap.
package logx
