package canvas

import "sync"

// observerList is an explicit subscription list for state-change
// notification. Callbacks run outside the owning manager's lock, so an
// observer may read back through the manager's query operations.
type observerList struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

func newObserverList() *observerList {
	return &observerList{fns: make(map[int]func())}
}

// add registers a callback and returns its removal function
func (o *observerList) add(fn func()) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

// notify invokes every registered callback
func (o *observerList) notify() {
	o.mu.Lock()
	fns := make([]func(), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
