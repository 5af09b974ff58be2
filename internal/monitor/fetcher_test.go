package monitor

import (
	"context"
	"testing"
	"time"
)

func TestFetchBatchCachesQuotes(t *testing.T) {
	md := newFakeMarketData()
	md.setQuote("BTCUSDT", 99.9, 100.1)
	md.setQuote("EURUSD", 1.09, 1.11)

	cache := NewPriceCache(10, time.Minute)
	fetcher := NewQuoteFetcher(md, cache, 5, 3, time.Minute, testLogger())

	quotes := fetcher.FetchBatch(context.Background(), []string{"BTCUSDT", "EURUSD"})
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	calls := md.callCount()

	// Повторный батч целиком из кэша: источник не трогается
	quotes = fetcher.FetchBatch(context.Background(), []string{"BTCUSDT", "EURUSD"})
	if len(quotes) != 2 {
		t.Fatalf("cached batch: got %d quotes, want 2", len(quotes))
	}
	if md.callCount() != calls {
		t.Errorf("cached batch must not hit the source, calls %d → %d", calls, md.callCount())
	}
}

func TestFetchBatchDeduplicatesSymbols(t *testing.T) {
	md := newFakeMarketData()
	md.setQuote("BTCUSDT", 99.9, 100.1)

	cache := NewPriceCache(10, time.Minute)
	fetcher := NewQuoteFetcher(md, cache, 5, 3, time.Minute, testLogger())

	quotes := fetcher.FetchBatch(context.Background(),
		[]string{"BTCUSDT", "BTCUSDT", "BTCUSDT"})

	if len(quotes) != 1 {
		t.Errorf("got %d quotes, want 1", len(quotes))
	}
	if md.callCount() != 1 {
		t.Errorf("duplicated symbol fetched %d times, want 1", md.callCount())
	}
}

// Частичный результат: недоступный символ просто отсутствует в карте
func TestFetchBatchPartialResult(t *testing.T) {
	md := newFakeMarketData()
	md.setQuote("BTCUSDT", 99.9, 100.1)
	// EURUSD не задан - GetQuote вернёт ошибку

	cache := NewPriceCache(10, time.Minute)
	fetcher := NewQuoteFetcher(md, cache, 5, 10, time.Minute, testLogger())

	quotes := fetcher.FetchBatch(context.Background(), []string{"BTCUSDT", "EURUSD"})

	if _, ok := quotes["BTCUSDT"]; !ok {
		t.Error("available symbol must be present")
	}
	if _, ok := quotes["EURUSD"]; ok {
		t.Error("unavailable symbol must be absent, not nil")
	}
}

// После порога подряд неудач breaker символа открывается и запросы
// по нему пропускаются
func TestFetchBatchBreakerSkipsFailingSymbol(t *testing.T) {
	md := newFakeMarketData()

	cache := NewPriceCache(10, time.Nanosecond) // кэш не мешает
	fetcher := NewQuoteFetcher(md, cache, 5, 2, time.Hour, testLogger())

	ctx := context.Background()

	// Каждый FetchBatch делает до 3 retry-попыток; после двух батчей
	// неудач breaker открыт
	fetcher.FetchBatch(ctx, []string{"DEAD"})
	fetcher.FetchBatch(ctx, []string{"DEAD"})

	calls := md.callCount()
	fetcher.FetchBatch(ctx, []string{"DEAD"})
	if md.callCount() != calls {
		t.Errorf("open breaker must skip the symbol, calls %d → %d", calls, md.callCount())
	}

	states := fetcher.BreakerStates()
	if states["DEAD"] != BreakerOpen {
		t.Errorf("breaker state = %s, want open", states["DEAD"])
	}
}
