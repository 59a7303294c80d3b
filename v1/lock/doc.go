// Package lock implements a fair distributed mutex on top of a store.Store.
//
// Contenders take numbered tickets from a per-lock counter with a
// compare-and-swap transaction and are granted the lock strictly in ticket
// order. Every queued ticket has a sentinel key that its predecessor deletes
// on release; a waiter watches its own sentinel together with the keys of the
// ticket ahead of it. Owner keys are bound to the Session lease, so a crashed
// or cancelled contender is skipped and a crashed holder is taken over once
// its lease is gone.
//
// A Held lock is only as good as its session: callers doing long work should
// watch Session.Done and stop when the lease is lost.
package lock
