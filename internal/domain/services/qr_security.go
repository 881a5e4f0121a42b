package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/infrastructure/cache"
	"qrguard-lab/pkg/logger"
)

// Request validation errors
var (
	ErrInvalidScanRequest = errors.New("exactly one of content or image is required")
	ErrImageNotDataURI    = errors.New("image must be a base64 data URI")
	ErrEmptyBatch         = errors.New("items is required")
	ErrBatchTooLarge      = errors.New("too many items in batch")
	ErrDecisionNotFound   = errors.New("decision not found")
)

const (
	defaultMaxBatchSize     = 50
	defaultBatchConcurrency = 8
	defaultDecisionTTL      = 24 * time.Hour
	recentDecisionCapacity  = 512
)

// DecisionCache stores finished decisions for later lookup by ID
type DecisionCache interface {
	CacheDecision(ctx context.Context, id string, rec any, ttl time.Duration) error
	GetCachedDecision(ctx context.Context, id string, dest any) error
}

// QRSecurityOptions tunes the QR security service
type QRSecurityOptions struct {
	Cache            DecisionCache
	DecisionTTL      time.Duration
	MaxBatchSize     int
	BatchConcurrency int
}

// QRSecurityService is the entry point for QR scans. It owns the decision
// engine, keeps running statistics and remembers recent decisions.
type QRSecurityService struct {
	engine *DecisionEngine
	cache  DecisionCache
	opts   QRSecurityOptions
	logger *logger.Logger

	mu     sync.RWMutex
	stats  models.QRDecisionStats
	recent map[uuid.UUID]*models.DecisionRecord
	order  []uuid.UUID
}

// NewQRSecurityService builds the engine from deps and registers itself as an
// observer so every decision reaches the statistics.
func NewQRSecurityService(deps EngineDeps, opts QRSecurityOptions) *QRSecurityService {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}
	if opts.DecisionTTL <= 0 {
		opts.DecisionTTL = defaultDecisionTTL
	}
	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}

	svc := &QRSecurityService{
		cache:  opts.Cache,
		opts:   opts,
		logger: log.WithComponent("qr-security"),
		stats:  newDecisionStats(),
		recent: make(map[uuid.UUID]*models.DecisionRecord, recentDecisionCapacity),
	}

	deps.Observers = append(append([]DecisionObserver(nil), deps.Observers...), svc)
	svc.engine = NewDecisionEngine(deps)
	return svc
}

func newDecisionStats() models.QRDecisionStats {
	return models.QRDecisionStats{
		ByPayloadKind:  make(map[string]int64),
		ByDecision:     make(map[string]int64),
		ByRiskLevel:    make(map[string]int64),
		ByScamCategory: make(map[string]int64),
	}
}

// Engine exposes the underlying pipeline
func (s *QRSecurityService) Engine() *DecisionEngine {
	return s.engine
}

// Scan analyses one request
func (s *QRSecurityService) Scan(ctx context.Context, req *models.QRScanRequest) (*models.DecisionRecord, error) {
	content := strings.TrimSpace(req.Content)
	image := strings.TrimSpace(req.Image)

	switch {
	case content != "" && image == "":
		return s.engine.AnalyzePayload(ctx, content), nil
	case image != "" && content == "":
		// Only inline images are accepted; a path would read server files
		if !strings.HasPrefix(image, "data:") {
			return nil, ErrImageNotDataURI
		}
		return s.engine.AnalyzeImage(ctx, image), nil
	default:
		return nil, ErrInvalidScanRequest
	}
}

// ScanBatch analyses items concurrently and returns results in request order.
// An invalid item fails alone.
func (s *QRSecurityService) ScanBatch(ctx context.Context, items []models.QRScanRequest) (*models.QRBatchScanResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(items) > s.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: maximum %d", ErrBatchTooLarge, s.opts.MaxBatchSize)
	}

	results := make([]models.QRBatchItemResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchConcurrency)

	for i := range items {
		i := i // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			results[i].Index = i
			if err := gctx.Err(); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			rec, err := s.Scan(gctx, &items[i])
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Decision = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &models.QRBatchScanResult{Results: results, Total: len(items)}
	for _, r := range results {
		if r.Decision == nil {
			out.Failed++
			continue
		}
		switch r.Decision.Decision {
		case models.ActionAllow:
			out.Allowed++
		case models.ActionWarn:
			out.Warned++
		case models.ActionBlock:
			out.Blocked++
		}
	}

	s.logger.Debug().
		Int("total", out.Total).
		Int("blocked", out.Blocked).
		Int("failed", out.Failed).
		Msg("batch scan complete")

	return out, nil
}

// OnDecision updates statistics and remembers the decision
func (s *QRSecurityService) OnDecision(ctx context.Context, rec *models.DecisionRecord) {
	s.mu.Lock()
	s.stats.TotalScans++
	kind := string(rec.PayloadKind)
	if kind == "" {
		kind = "NONE"
	}
	s.stats.ByPayloadKind[kind]++
	s.stats.ByDecision[string(rec.Decision)]++
	s.stats.ByRiskLevel[string(rec.RiskLevel)]++
	s.stats.ByScamCategory[string(rec.ScamCategory)]++
	if rec.Decision == models.ActionBlock {
		s.stats.Blocked++
	}
	if rec.Details.ML != nil {
		s.stats.MLEscalations++
	}
	at := rec.AnalyzedAt
	s.stats.LastDecisionAt = &at
	s.remember(rec)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.CacheDecision(ctx, rec.ID.String(), rec, s.opts.DecisionTTL); err != nil {
			s.logger.Warn().Err(err).Str("decision_id", rec.ID.String()).Msg("failed to cache decision")
		}
	}
}

// remember keeps the last recentDecisionCapacity decisions. Caller holds mu.
func (s *QRSecurityService) remember(rec *models.DecisionRecord) {
	if len(s.order) >= recentDecisionCapacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.recent, oldest)
	}
	s.recent[rec.ID] = rec
	s.order = append(s.order, rec.ID)
}

// GetDecision returns a recent decision from memory, then from the cache
func (s *QRSecurityService) GetDecision(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error) {
	s.mu.RLock()
	rec, ok := s.recent[id]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	if s.cache == nil {
		return nil, ErrDecisionNotFound
	}
	var cached models.DecisionRecord
	if err := s.cache.GetCachedDecision(ctx, id.String(), &cached); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, ErrDecisionNotFound
		}
		return nil, fmt.Errorf("lookup decision: %w", err)
	}
	return &cached, nil
}

// GetStats returns a copy of the running statistics
func (s *QRSecurityService) GetStats() *models.QRDecisionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.ByPayloadKind = copyCounts(s.stats.ByPayloadKind)
	stats.ByDecision = copyCounts(s.stats.ByDecision)
	stats.ByRiskLevel = copyCounts(s.stats.ByRiskLevel)
	stats.ByScamCategory = copyCounts(s.stats.ByScamCategory)
	if s.stats.LastDecisionAt != nil {
		at := *s.stats.LastDecisionAt
		stats.LastDecisionAt = &at
	}
	return &stats
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetPayloadKinds returns every payload kind the classifier can assign
func (s *QRSecurityService) GetPayloadKinds() []models.PayloadKind {
	return append([]models.PayloadKind(nil), models.PayloadKinds...)
}

// GetURLShorteners returns the shortener hosts the URL rules flag
func (s *QRSecurityService) GetURLShorteners() []string {
	return append([]string(nil), models.KnownURLShorteners...)
}

// ModelAvailable reports whether the ML second opinion is loaded
func (s *QRSecurityService) ModelAvailable() bool {
	return s.engine.model.Available()
}
