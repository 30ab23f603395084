// Package forward runs the forwarding tasks of one session.
//
// A task rebroadcasts one source message to every non-banned group of the
// account, one destination at a time with fixed pacing, then sleeps its delay
// and repeats. Tasks are cancelled cooperatively: a stopped task finishes the
// network call in flight and issues no further ones.
package forward
