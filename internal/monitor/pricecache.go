package monitor

import (
	"container/list"
	"sync"
	"time"

	"planwatch/internal/models"
)

// cacheEntry - запись кэша котировок
type cacheEntry struct {
	symbol      string
	quote       *models.Quote
	storedAt    time.Time
	accessCount int64
}

// CacheStats - счётчики кэша для health-запросов
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// PriceCache - ограниченный LRU+TTL кэш последних котировок по символам.
//
// Get возвращает только свежие (моложе TTL) значения; протухшая запись
// удаляется и считается промахом. Put при заполненной ёмкости вытесняет
// наименее недавно использованную запись (не новейшую).
// Все операции линеаризуемы под одним локом; лок никогда не держится
// через блокирующий I/O.
type PriceCache struct {
	capacity int
	ttl      time.Duration

	mu        sync.Mutex
	ll        *list.List // front = most recently used
	items     map[string]*list.Element
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewPriceCache создаёт кэш с заданной ёмкостью и TTL записи
func NewPriceCache(capacity int, ttl time.Duration) *PriceCache {
	if capacity < 1 {
		capacity = 1
	}
	return &PriceCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get возвращает свежую котировку или промах
func (c *PriceCache) Get(symbol string) (*models.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[symbol]
	if !ok {
		c.misses++
		CacheMisses.Inc()
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		// Протухла: удаляем и считаем промахом
		c.ll.Remove(el)
		delete(c.items, symbol)
		c.misses++
		CacheMisses.Inc()
		return nil, false
	}

	entry.accessCount++
	c.ll.MoveToFront(el)
	c.hits++
	CacheHits.Inc()
	return entry.quote, true
}

// Put сохраняет котировку, вытесняя LRU запись при переполнении
func (c *PriceCache) Put(symbol string, quote *models.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[symbol]; ok {
		entry := el.Value.(*cacheEntry)
		entry.quote = quote
		entry.storedAt = time.Now()
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).symbol)
			c.evictions++
			CacheEvictions.Inc()
		}
	}

	el := c.ll.PushFront(&cacheEntry{
		symbol:   symbol,
		quote:    quote,
		storedAt: time.Now(),
	})
	c.items[symbol] = el
}

// Invalidate удаляет котировку символа (принудительный refresh)
func (c *PriceCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[symbol]; ok {
		c.ll.Remove(el)
		delete(c.items, symbol)
	}
}

// InvalidateAll очищает кэш полностью
func (c *PriceCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Stats возвращает счётчики кэша
func (c *PriceCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.ll.Len(),
		Capacity:  c.capacity,
	}
}

// Len возвращает текущее количество записей
func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
