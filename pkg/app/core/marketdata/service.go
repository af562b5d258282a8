package marketdata

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/util"
)

const DefaultTTL = 2 * time.Second

// Service serves rollups with staleness bounded by its TTL. Cache failures
// fall back to computing from the store.
type Service struct {
	src    Source
	cache  Cache
	ttl    time.Duration
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewService(src Source, cache Cache, ttl time.Duration, clock util.Clock, logger *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = util.RealClock{}
	}
	if cache == nil {
		cache = NewMemoryCache(clock)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = util.NopSugar()
	}
	return &Service{src: src, cache: cache, ttl: ttl, clock: clock, logger: logger}
}

func (s *Service) Get(ctx context.Context, token common.Address) (*MarketData, error) {
	md, ok, err := s.cache.Get(ctx, token)
	if err != nil {
		s.logger.Warnw("marketdata_cache_read_failed", "property_token", token.Hex(), "err", err)
	}
	if ok {
		return md, nil
	}

	md, err = Compute(s.src, token, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, md, s.ttl); err != nil {
		s.logger.Warnw("marketdata_cache_write_failed", "property_token", token.Hex(), "err", err)
	}
	return md, nil
}

// Invalidate drops the cached rollup so the next Get recomputes it.
func (s *Service) Invalidate(ctx context.Context, token common.Address) {
	if err := s.cache.Delete(ctx, token); err != nil {
		s.logger.Warnw("marketdata_cache_delete_failed", "property_token", token.Hex(), "err", err)
	}
}
