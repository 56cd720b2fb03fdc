// Package txn provides an undo log for in-memory state that must roll back
// as a unit when a pool operation fails halfway.
package txn

// Log records undo closures between Begin and Commit/Rollback.
// A Log is not safe for concurrent use; callers hold the pool lock.
type Log struct {
	undo   []func()
	active bool
}

// Begin starts recording. Any previous uncommitted entries are discarded.
func (l *Log) Begin() {
	l.undo = l.undo[:0]
	l.active = true
}

// Active reports whether Begin was called without a matching Commit/Rollback.
func (l *Log) Active() bool { return l.active }

// Record registers fn to run on Rollback. Outside a transaction it is a no-op.
func (l *Log) Record(fn func()) {
	if !l.active {
		return
	}
	l.undo = append(l.undo, fn)
}

// Commit drops the recorded undo entries.
func (l *Log) Commit() {
	l.undo = l.undo[:0]
	l.active = false
}

// Rollback runs the recorded entries in reverse order.
func (l *Log) Rollback() {
	for i := len(l.undo) - 1; i >= 0; i-- {
		l.undo[i]()
	}
	l.undo = l.undo[:0]
	l.active = false
}
