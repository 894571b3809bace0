package gateway

import "sync"

// resultCache хранит итог обработки каждого примененного message_id:
// повтор того же (trace_id, message_id) возвращает сохраненный результат
// без повторной обработки, без новых событий и записей аудита.
type resultCache struct {
	mu      sync.RWMutex
	results map[string]RoutingResult // trace_id + "\x00" + message_id
}

func newResultCache() *resultCache {
	return &resultCache{results: make(map[string]RoutingResult)}
}

func cacheKey(traceID, messageID string) string {
	return traceID + "\x00" + messageID
}

func (c *resultCache) Get(traceID, messageID string) (RoutingResult, bool) {
	c.mu.RLock()
	res, ok := c.results[cacheKey(traceID, messageID)]
	c.mu.RUnlock()
	return res, ok
}

func (c *resultCache) Put(traceID, messageID string, res RoutingResult) {
	c.mu.Lock()
	c.results[cacheKey(traceID, messageID)] = res
	c.mu.Unlock()
}
