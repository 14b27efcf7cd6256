package query

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"PaimonControl/internal/observability"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/risk"
	"PaimonControl/internal/state"
)

// Read-side store slices. Everything here is a plain projection read;
// commands never go through this package.
type fundReader interface {
	Get(ctx context.Context) (*projection.FundState, error)
}

type redemptionReader interface {
	Get(ctx context.Context, requestID uint64) (*state.RedemptionRequest, error)
}

type ticketReader interface {
	Get(ctx context.Context, id string) (*state.ApprovalTicket, error)
	Records(ctx context.Context, ticketID string) ([]*state.ApprovalRecord, error)
}

type planReader interface {
	Get(ctx context.Context, planID string) (*state.RebalancePlan, error)
}

type snapshotReader interface {
	Latest(ctx context.Context) (*risk.Snapshot, error)
}

type forecastReader interface {
	Latest(ctx context.Context) ([]*risk.Forecast, error)
}

type ServiceConfig struct {
	Funds       fundReader
	Redemptions redemptionReader
	Tickets     ticketReader
	Plans       planReader
	Snapshots   snapshotReader
	Forecasts   forecastReader

	// CacheTTL bounds staleness of the aggregate endpoints (fund, risk,
	// forecast). By-ID lookups always hit Postgres.
	CacheTTL time.Duration

	Metrics *observability.Metrics
	Log     zerolog.Logger
}

// Service is the thin read model behind the query endpoints. The three
// aggregate views are memoized in TTL caches because they fan out to
// scans; a short TTL keeps them within one poll interval of the chain.
type Service struct {
	cfg ServiceConfig

	fundCache     *ttlcache.Cache[string, *FundView]
	riskCache     *ttlcache.Cache[string, *RiskView]
	forecastCache *ttlcache.Cache[string, *ForecastView]

	// One lock per cache so concurrent misses do not stampede the DB.
	fundMu     sync.Mutex
	riskMu     sync.Mutex
	forecastMu sync.Mutex

	metrics *observability.Metrics
	log     zerolog.Logger
}

const cacheKey = "latest"

func NewService(cfg ServiceConfig) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	s := &Service{
		cfg:           cfg,
		fundCache:     ttlcache.New(ttlcache.WithTTL[string, *FundView](cfg.CacheTTL)),
		riskCache:     ttlcache.New(ttlcache.WithTTL[string, *RiskView](cfg.CacheTTL)),
		forecastCache: ttlcache.New(ttlcache.WithTTL[string, *ForecastView](cfg.CacheTTL)),
		metrics:       cfg.Metrics,
		log:           cfg.Log.With().Str("component", "query").Logger(),
	}
	go s.fundCache.Start()
	go s.riskCache.Start()
	go s.forecastCache.Start()
	return s
}

func (s *Service) Close() {
	s.fundCache.Stop()
	s.riskCache.Stop()
	s.forecastCache.Stop()
}

func (s *Service) Fund(ctx context.Context) (*FundView, error) {
	defer s.observe("fund")()

	s.fundMu.Lock()
	defer s.fundMu.Unlock()

	if item := s.fundCache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	f, err := s.cfg.Funds.Get(ctx)
	if err != nil {
		return nil, err
	}
	v := fundView(f)
	s.fundCache.Set(cacheKey, v, ttlcache.DefaultTTL)
	return v, nil
}

// Redemption returns nil when the request is unknown; the HTTP layer
// turns that into a 404.
func (s *Service) Redemption(ctx context.Context, requestID uint64) (*RedemptionView, error) {
	defer s.observe("redemption")()

	r, err := s.cfg.Redemptions.Get(ctx, requestID)
	if err != nil || r == nil {
		return nil, err
	}
	return redemptionView(r), nil
}

func (s *Service) Ticket(ctx context.Context, id string) (*TicketView, error) {
	defer s.observe("ticket")()

	t, err := s.cfg.Tickets.Get(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	records, err := s.cfg.Tickets.Records(ctx, id)
	if err != nil {
		return nil, err
	}
	return ticketView(t, records), nil
}

func (s *Service) Plan(ctx context.Context, id string) (*PlanView, error) {
	defer s.observe("plan")()

	p, err := s.cfg.Plans.Get(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	return planView(p), nil
}

func (s *Service) RiskLatest(ctx context.Context) (*RiskView, error) {
	defer s.observe("risk_latest")()

	s.riskMu.Lock()
	defer s.riskMu.Unlock()

	if item := s.riskCache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	snap, err := s.cfg.Snapshots.Latest(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	v := riskView(snap)
	s.riskCache.Set(cacheKey, v, ttlcache.DefaultTTL)
	return v, nil
}

func (s *Service) ForecastLatest(ctx context.Context) (*ForecastView, error) {
	defer s.observe("forecast_latest")()

	s.forecastMu.Lock()
	defer s.forecastMu.Unlock()

	if item := s.forecastCache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	fs, err := s.cfg.Forecasts.Latest(ctx)
	if err != nil || len(fs) == 0 {
		return nil, err
	}
	v := forecastView(fs)
	s.forecastCache.Set(cacheKey, v, ttlcache.DefaultTTL)
	return v, nil
}

func (s *Service) observe(endpoint string) func() {
	timer := prometheus.NewTimer(s.metrics.QueryDuration.WithLabelValues(endpoint))
	return func() { timer.ObserveDuration() }
}
