// Package manager supervises one session process per identity.
//
// A process is "running" only after it reported READY=1 over its readiness
// socket. An unexpected exit is restarted with a fixed backoff a bounded
// number of times, after which the identity is deactivated and admins are
// told.
package manager
