package monitor

import (
	"fmt"
	"testing"
	"time"

	"planwatch/internal/models"
)

func cacheQuote(symbol string, mid float64) *models.Quote {
	return &models.Quote{
		Symbol:    symbol,
		Bid:       mid - 0.05,
		Ask:       mid + 0.05,
		Timestamp: time.Now(),
	}
}

func TestCacheHitAndMiss(t *testing.T) {
	cache := NewPriceCache(10, time.Minute)

	if _, ok := cache.Get("BTCUSDT"); ok {
		t.Fatal("empty cache must miss")
	}

	cache.Put("BTCUSDT", cacheQuote("BTCUSDT", 100))

	quote, ok := cache.Get("BTCUSDT")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if quote.Mid() != 100 {
		t.Errorf("mid = %v, want 100", quote.Mid())
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := NewPriceCache(10, 10*time.Millisecond)

	cache.Put("BTCUSDT", cacheQuote("BTCUSDT", 100))
	time.Sleep(20 * time.Millisecond)

	if _, ok := cache.Get("BTCUSDT"); ok {
		t.Fatal("expired entry must miss")
	}
	if cache.Len() != 0 {
		t.Error("expired entry must be removed on access")
	}
}

// При переполнении вытесняется наименее недавно использованная запись,
// никогда не новейшая
func TestCacheEvictsLRU(t *testing.T) {
	cache := NewPriceCache(3, time.Minute)

	cache.Put("A", cacheQuote("A", 1))
	cache.Put("B", cacheQuote("B", 2))
	cache.Put("C", cacheQuote("C", 3))

	// Трогаем A: теперь LRU - это B
	if _, ok := cache.Get("A"); !ok {
		t.Fatal("A must be present")
	}

	cache.Put("D", cacheQuote("D", 4))

	if _, ok := cache.Get("B"); ok {
		t.Error("B must be evicted as least recently used")
	}
	for _, symbol := range []string{"A", "C", "D"} {
		if _, ok := cache.Get(symbol); !ok {
			t.Errorf("%s must survive eviction", symbol)
		}
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", cache.Stats().Evictions)
	}
}

func TestCachePutUpdatesExisting(t *testing.T) {
	cache := NewPriceCache(2, time.Minute)

	cache.Put("A", cacheQuote("A", 1))
	cache.Put("A", cacheQuote("A", 5))

	if cache.Len() != 1 {
		t.Fatalf("len = %d, want 1 after update", cache.Len())
	}
	quote, _ := cache.Get("A")
	if quote.Mid() != 5 {
		t.Errorf("mid = %v, want updated value 5", quote.Mid())
	}
}

func TestCacheInvalidate(t *testing.T) {
	cache := NewPriceCache(10, time.Minute)

	cache.Put("A", cacheQuote("A", 1))
	cache.Put("B", cacheQuote("B", 2))

	cache.Invalidate("A")
	if _, ok := cache.Get("A"); ok {
		t.Error("invalidated entry must miss")
	}
	if _, ok := cache.Get("B"); !ok {
		t.Error("other entries must survive Invalidate")
	}

	cache.InvalidateAll()
	if cache.Len() != 0 {
		t.Error("InvalidateAll must clear the cache")
	}
}

func TestCacheCapacityNeverExceeded(t *testing.T) {
	cache := NewPriceCache(5, time.Minute)

	for i := 0; i < 50; i++ {
		cache.Put(fmt.Sprintf("SYM%d", i), cacheQuote("X", float64(i)))
		if cache.Len() > 5 {
			t.Fatalf("cache size %d exceeds capacity 5", cache.Len())
		}
	}
}
