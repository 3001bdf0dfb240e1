// File: internal/transcribe/servers.go
package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// statsKey is where the per-endpoint records persist across runs.
const statsKey = "servers/stats"

// ServerRecord tracks the health of one transcription endpoint.
type ServerRecord struct {
	Endpoint            string    `json:"endpoint"`
	LatencyMs           float64   `json:"latency_ms"`
	TotalRequests       int       `json:"total_requests"`
	SuccessfulRequests  int       `json:"successful_requests"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastResetAt         time.Time `json:"last_reset_at"`
}

// successRate defaults to optimistic for an endpoint with no history so new
// servers get tried.
func (r ServerRecord) successRate() float64 {
	if r.TotalRequests == 0 {
		return 1.0
	}
	return float64(r.SuccessfulRequests) / float64(r.TotalRequests)
}

// score ranks an endpoint: lower latency and higher success rate are better,
// and a run of recent failures is penalized.
func (r ServerRecord) score() float64 {
	latencyTerm := 0.0
	if r.LatencyMs > 0 {
		latencyTerm = r.LatencyMs / 2000.0
	}
	return r.successRate() - latencyTerm - 0.15*float64(r.ConsecutiveFailures)
}

// ServerPool ranks the configured transcription endpoints by observed health.
// Records persist across restarts and are reset once they grow stale, so an
// endpoint is not punished forever for last week's outage.
type ServerPool struct {
	mu      sync.Mutex
	records map[string]*ServerRecord
	order   []string

	kv       *storage.Store
	resetAge time.Duration
	log      *zap.Logger
}

// NewServerPool loads persisted stats for the configured endpoints. Endpoints
// no longer configured are dropped from the persisted set.
func NewServerPool(ctx context.Context, endpoints []string, kv *storage.Store, resetAge time.Duration, logger *zap.Logger) (*ServerPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no transcription endpoints configured")
	}

	p := &ServerPool{
		records:  make(map[string]*ServerRecord, len(endpoints)),
		order:    append([]string(nil), endpoints...),
		kv:       kv,
		resetAge: resetAge,
		log:      logger.Named("servers"),
	}

	persisted := make(map[string]*ServerRecord)
	if raw, ok, err := kv.Get(ctx, statsKey); err != nil {
		return nil, fmt.Errorf("failed to load server stats: %w", err)
	} else if ok {
		if err := json.UnmarshalFromString(raw, &persisted); err != nil {
			p.log.Warn("Discarding unreadable server stats", zap.Error(err))
		}
	}

	now := time.Now()
	for _, ep := range endpoints {
		if rec, ok := persisted[ep]; ok {
			p.records[ep] = rec
		} else {
			p.records[ep] = &ServerRecord{Endpoint: ep, LastResetAt: now}
		}
	}

	p.resetStaleLocked(now)
	return p, nil
}

// Pick returns the healthiest endpoint. Selection never fails: even when
// every endpoint looks unhealthy, the least-bad one is returned.
func (p *ServerPool) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetStaleLocked(time.Now())

	best := p.order[0]
	bestScore := p.records[best].score()
	for _, ep := range p.order[1:] {
		if s := p.records[ep].score(); s > bestScore {
			best, bestScore = ep, s
		}
	}
	return best
}

// RecordSuccess notes a valid transcription round trip.
func (p *ServerPool) RecordSuccess(ctx context.Context, endpoint string, latency time.Duration) {
	p.mu.Lock()
	if rec, ok := p.records[endpoint]; ok {
		rec.TotalRequests++
		rec.SuccessfulRequests++
		rec.ConsecutiveFailures = 0
		rec.LatencyMs = float64(latency.Milliseconds())
	}
	p.mu.Unlock()
	p.persist(ctx)
}

// RecordFailure notes a transport failure or an invalid response.
func (p *ServerPool) RecordFailure(ctx context.Context, endpoint string) {
	p.mu.Lock()
	if rec, ok := p.records[endpoint]; ok {
		rec.TotalRequests++
		rec.ConsecutiveFailures++
	}
	p.mu.Unlock()
	p.persist(ctx)
}

// RecordLatency updates the measured round trip from a probe.
func (p *ServerPool) RecordLatency(ctx context.Context, endpoint string, latency time.Duration) {
	p.mu.Lock()
	if rec, ok := p.records[endpoint]; ok {
		rec.LatencyMs = float64(latency.Milliseconds())
	}
	p.mu.Unlock()
	p.persist(ctx)
}

// Record returns a copy of the stats for one endpoint.
func (p *ServerPool) Record(endpoint string) (ServerRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[endpoint]
	if !ok {
		return ServerRecord{}, false
	}
	return *rec, true
}

// resetStaleLocked forgives historical failures once a record's age exceeds
// the reset window.
func (p *ServerPool) resetStaleLocked(now time.Time) {
	for _, rec := range p.records {
		if p.resetAge > 0 && now.Sub(rec.LastResetAt) > p.resetAge {
			*rec = ServerRecord{Endpoint: rec.Endpoint, LatencyMs: rec.LatencyMs, LastResetAt: now}
		}
	}
}

func (p *ServerPool) persist(ctx context.Context) {
	p.mu.Lock()
	raw, err := json.MarshalToString(p.records)
	p.mu.Unlock()
	if err != nil {
		p.log.Warn("Failed to marshal server stats", zap.Error(err))
		return
	}
	if err := p.kv.Set(ctx, statsKey, raw); err != nil {
		p.log.Warn("Failed to persist server stats", zap.Error(err))
	}
}
