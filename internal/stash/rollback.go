package stash

// rollback accumulates undo closures as a multi-step filesystem
// mutation succeeds step by step, the Go analogue of the reference
// stash's goto-based unwind ladder: run in reverse on any failure,
// discarded (never run) once the caller commits.
type rollback struct {
	undo []func()
}

// push registers fn to run, in LIFO order, if unwind is ever called.
func (r *rollback) push(fn func()) {
	r.undo = append(r.undo, fn)
}

// unwind runs every registered undo action in reverse order. Safe to
// call on a committed rollback (a no-op, since commit clears the list).
func (r *rollback) unwind() {
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
}

// commit disarms the rollback: nothing it accumulated will run.
func (r *rollback) commit() {
	r.undo = nil
}
