package services

import "sync"

// orderLocks serialises state mutations per order id. Webhook delivery and the
// reconcile poller can race on the same order; holding the order's lock across
// read-apply-write keeps the transition monotonic.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

// Lock acquires the mutex for the given order id and returns its unlock func.
func (l *orderLocks) Lock(orderID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[orderID]
	if !ok {
		lock = &orderLock{}
		l.locks[orderID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}
