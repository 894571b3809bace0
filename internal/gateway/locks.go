package gateway

import "sync"

// keyedLocks — мьютекс на каждый trace_id: сообщения одного инцидента
// обрабатываются строго по одному, разные инциденты — параллельно.
// Счетчик ссылок не дает карте расти бесконечно.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Acquire блокирует ключ и возвращает функцию освобождения.
func (k *keyedLocks) Acquire(key string) (release func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
