package monitor

import (
	"context"
	"sync"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/retry"
	"planwatch/pkg/utils"
)

// QuoteFetcher - batch-загрузка котировок через кэш.
//
// Недостающие в кэше символы запрашиваются чанками (по chunk штук
// параллельно), каждый символ - с retry/backoff. Неудачи пишутся в
// per-symbol circuit breaker: после порога подряд неудач запросы по
// символу пропускаются до истечения cooldown.
type QuoteFetcher struct {
	md    MarketDataPort
	cache *PriceCache
	log   *utils.Logger

	chunk            int
	breakerThreshold int
	breakerCooldown  time.Duration
	retryCfg         retry.Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewQuoteFetcher создаёт загрузчик котировок
func NewQuoteFetcher(md MarketDataPort, cache *PriceCache, chunk, breakerThreshold int,
	breakerCooldown time.Duration, log *utils.Logger) *QuoteFetcher {

	if chunk < 1 {
		chunk = 20
	}

	cfg := retry.QuoteConfig()
	cfg.RetryIf = retry.RetryIfNotContext

	return &QuoteFetcher{
		md:               md,
		cache:            cache,
		log:              log.WithComponent("quote_fetcher"),
		chunk:            chunk,
		breakerThreshold: breakerThreshold,
		breakerCooldown:  breakerCooldown,
		retryCfg:         cfg,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// FetchBatch возвращает котировки для symbols: из кэша, где свежо,
// иначе от источника. Отсутствующие символы просто не попадают в
// результат - частичный результат лучше отсутствующего.
func (f *QuoteFetcher) FetchBatch(ctx context.Context, symbols []string) map[string]*models.Quote {
	result := make(map[string]*models.Quote, len(symbols))

	var missing []string
	seen := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		if seen[symbol] {
			continue
		}
		seen[symbol] = true

		if quote, ok := f.cache.Get(symbol); ok {
			result[symbol] = quote
		} else {
			missing = append(missing, symbol)
		}
	}

	if len(missing) == 0 {
		return result
	}

	var resultMu sync.Mutex

	for start := 0; start < len(missing); start += f.chunk {
		if ctx.Err() != nil {
			break
		}

		end := start + f.chunk
		if end > len(missing) {
			end = len(missing)
		}

		var wg sync.WaitGroup
		for _, symbol := range missing[start:end] {
			breaker := f.breakerFor(symbol)
			if !breaker.Allow() {
				continue
			}

			wg.Add(1)
			go func(symbol string, breaker *CircuitBreaker) {
				defer wg.Done()

				quote, err := retry.DoWithResult(ctx, func() (*models.Quote, error) {
					return f.md.GetQuote(ctx, symbol)
				}, f.retryCfg)

				if err != nil {
					breaker.RecordFailure()
					QuoteFetchFailures.Inc()
					f.log.Warn("quote fetch failed",
						utils.Symbol(symbol), utils.Err(err),
						utils.Int("consecutive_failures", breaker.Failures()))
					return
				}

				breaker.RecordSuccess()
				f.cache.Put(symbol, quote)

				resultMu.Lock()
				result[symbol] = quote
				resultMu.Unlock()
			}(symbol, breaker)
		}
		wg.Wait()
	}

	return result
}

// breakerFor возвращает breaker символа, создавая при первом обращении
func (f *QuoteFetcher) breakerFor(symbol string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	breaker, ok := f.breakers[symbol]
	if !ok {
		breaker = NewCircuitBreaker("quote:"+symbol, f.breakerThreshold, f.breakerCooldown)
		f.breakers[symbol] = breaker
	}
	return breaker
}

// BreakerStates возвращает состояния per-symbol breaker'ов для health
func (f *QuoteFetcher) BreakerStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	states := make(map[string]string, len(f.breakers))
	for symbol, breaker := range f.breakers {
		states[symbol] = breaker.State()
	}
	return states
}
