package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrguard-lab/internal/domain/models"
)

type recordingSink struct {
	mu      sync.Mutex
	records []models.AuditRecord
	err     error
}

func (s *recordingSink) Append(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) all() []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditRecord(nil), s.records...)
}

type decoderFunc func(ctx context.Context, ref string) (string, error)

func (f decoderFunc) Decode(ctx context.Context, ref string) (string, error) { return f(ctx, ref) }

type countingObserver struct {
	calls atomic.Int32
}

func (o *countingObserver) OnDecision(context.Context, *models.DecisionRecord) {
	o.calls.Add(1)
}

func newTestEngine(t *testing.T, scorer Scorer, decoder Decoder) (*DecisionEngine, *recordingSink) {
	t.Helper()
	var state ModelState = Unavailable{Reason: "not loaded"}
	if scorer != nil {
		state = Loaded{
			Scorer: scorer,
			Explainer: stubExplainer{attr: models.Attribution{
				FeatureAmount:              0.31,
				FeatureMerchantNameMissing: 0.12,
			}},
			Version: "test",
		}
	}
	sink := &recordingSink{}
	engine := NewDecisionEngine(EngineDeps{
		Decoder: decoder,
		Model:   NewMLScorer(state, DefaultEscalationPolicy(), testLogger()),
		Audit:   sink,
		Logger:  testLogger(),
	})
	return engine, sink
}

func stages(rec *models.DecisionRecord) []models.TimelineStage {
	out := make([]models.TimelineStage, len(rec.Timeline))
	for i, s := range rec.Timeline {
		out[i] = s.Stage
	}
	return out
}

func assertExplained(t *testing.T, rec *models.DecisionRecord) {
	t.Helper()
	e := NewExplainabilityEngine(nil)
	assert.NotEmpty(t, rec.Summary)
	assert.Equal(t, e.RecommendedAction(rec.Decision), rec.RecommendedAction)
	assert.Len(t, rec.WhyDangerous, len(rec.Reasons))
	assert.Equal(t, "2024.1", rec.NarrativeVersion)
	require.NotEmpty(t, rec.Timeline)
	assert.Equal(t, models.StageScan, rec.Timeline[0].Stage)
	assert.Equal(t, models.StageDecision, rec.Timeline[len(rec.Timeline)-1].Stage)
}

func TestDecisionEngine_CleanUPIAllows(t *testing.T) {
	scorer := &stubScorer{prob: 0.99}
	engine, sink := newTestEngine(t, scorer, nil)

	rec := engine.AnalyzePayload(context.Background(), "upi://pay?pa=merchant@bank&pn=CoffeeShop&am=200")

	assert.Equal(t, models.PayloadUPIPayment, rec.PayloadKind)
	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.Equal(t, models.RiskLow, rec.RiskLevel)
	assert.Equal(t, 0, rec.RiskPoints)
	assert.Empty(t, rec.Reasons)
	assert.Nil(t, rec.Details.ML)
	assert.Equal(t, models.ScamUnknown, rec.ScamCategory)
	assert.Equal(t, "This QR code appears safe based on current security checks.", rec.Summary)
	assert.Equal(t, []models.TimelineStage{
		models.StageScan, models.StageClassify, models.StageParse,
		models.StageRiskAnalysis, models.StageScamClassification, models.StageDecision,
	}, stages(rec))
	assert.Zero(t, scorer.calls.Load())
	assertExplained(t, rec)

	audits := sink.all()
	require.Len(t, audits, 1)
	assert.Equal(t, rec.ID, audits[0].DecisionID)
	assert.Equal(t, models.ActionAllow, audits[0].Decision)
	assert.Equal(t, rec.Summary, audits[0].Summary)
}

func TestDecisionEngine_MediumUPIEscalatesToBlock(t *testing.T) {
	scorer := &stubScorer{prob: 0.8512}
	engine, _ := newTestEngine(t, scorer, nil)

	rec := engine.AnalyzePayload(context.Background(), "upi://pay?pa=scam-id@xyz&am=6000")

	assert.Equal(t, int32(1), scorer.calls.Load())
	assert.Equal(t, 50, rec.RiskPoints)
	assert.Equal(t, models.RiskMedium, rec.RiskLevel)
	assert.Equal(t, models.ActionBlock, rec.Decision)
	assert.Equal(t, models.ScamFakeMerchant, rec.ScamCategory)
	assert.Equal(t, []string{
		"Merchant name is missing",
		"Unusual UPI ID format",
		"High payment amount detected",
		"ML model identified high scam probability",
		"ML analysis found 'amount' as a major risk contributor",
	}, models.ReasonMessages(rec.Reasons))

	require.NotNil(t, rec.Details.ML)
	assert.True(t, rec.Details.ML.ModelUsed)
	assert.Equal(t, 0.851, *rec.Details.ML.RiskProbability)
	assert.Equal(t, FeatureAmount, rec.Details.ML.TopFeature)
	assert.Equal(t, UPIFeatureNames, rec.Details.Features.Names())
	assert.Contains(t, stages(rec), models.StageMLAnalysis)
	assertExplained(t, rec)
}

func TestDecisionEngine_MediumUPIWithoutModelWarns(t *testing.T) {
	engine, _ := newTestEngine(t, nil, nil)

	rec := engine.AnalyzePayload(context.Background(), "upi://pay?pa=scam-id@xyz&am=6000")

	assert.Equal(t, models.ActionWarn, rec.Decision)
	assert.Len(t, rec.Reasons, 3)
	require.NotNil(t, rec.Details.ML)
	assert.False(t, rec.Details.ML.ModelUsed)
	assert.Equal(t, OutcomeUnavailable, rec.Details.ML.Outcome)
	assert.Contains(t, stages(rec), models.StageMLAnalysis)
}

func TestDecisionEngine_LowProbabilityDowngrades(t *testing.T) {
	engine, _ := newTestEngine(t, &stubScorer{prob: 0.12}, nil)

	rec := engine.AnalyzePayload(context.Background(), "upi://pay?pa=pay@bank&pn=Payment&am=8000")

	assert.Equal(t, 45, rec.RiskPoints)
	assert.Equal(t, models.RiskMedium, rec.RiskLevel)
	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.Equal(t, models.ScamFakeMerchant, rec.ScamCategory)
	assert.True(t, rec.HasReason(models.ReasonMLTopContributor))
	assert.False(t, rec.HasReason(models.ReasonMLHighProbability))
	assert.Equal(t, "You may safely proceed with this payment.", rec.RecommendedAction)
}

func TestDecisionEngine_ShortenedURLWarnsWithoutModel(t *testing.T) {
	scorer := &stubScorer{prob: 0.99}
	engine, _ := newTestEngine(t, scorer, nil)

	rec := engine.AnalyzePayload(context.Background(), "http://bit.ly/abc")

	assert.Equal(t, models.PayloadURL, rec.PayloadKind)
	assert.Equal(t, 50, rec.RiskPoints)
	assert.Equal(t, models.RiskMedium, rec.RiskLevel)
	assert.Equal(t, models.ActionWarn, rec.Decision)
	assert.Equal(t, models.ScamRedirection, rec.ScamCategory)
	assert.Nil(t, rec.Details.ML)
	require.NotNil(t, rec.Details.URL)
	assert.Equal(t, "bit.ly", rec.Details.URL.Host)
	assert.Equal(t, URLFeatureNames, rec.Details.Features.Names())
	assert.Zero(t, scorer.calls.Load())
	assert.NotContains(t, stages(rec), models.StageMLAnalysis)
	assertExplained(t, rec)
}

func TestDecisionEngine_URLVerdicts(t *testing.T) {
	engine, _ := newTestEngine(t, nil, nil)

	rec := engine.AnalyzePayload(context.Background(), "https://example.com/menu")
	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.Equal(t, models.RiskLow, rec.RiskLevel)

	rec = engine.AnalyzePayload(context.Background(), "http://example.com/menu")
	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.Equal(t, 20, rec.RiskPoints)

	rec = engine.AnalyzePayload(context.Background(), "http://203.0.113.7/pay")
	assert.Equal(t, models.ActionWarn, rec.Decision)
	assert.Equal(t, 60, rec.RiskPoints)

	rec = engine.AnalyzePayload(context.Background(), "https://evil.example/go?to=bit.ly/abc")
	assert.Equal(t, models.ActionWarn, rec.Decision)
	assert.Equal(t, 30, rec.RiskPoints)
	assert.Equal(t, models.ScamRedirection, rec.ScamCategory)
}

func TestDecisionEngine_UnsupportedPayloadWarns(t *testing.T) {
	engine, _ := newTestEngine(t, &stubScorer{prob: 0.99}, nil)

	for _, payload := range []string{"Table 12 Corner Cafe", "WIFI:S:home;T:WPA;P:pw;;", ""} {
		rec := engine.AnalyzePayload(context.Background(), payload)
		assert.Equal(t, models.ActionWarn, rec.Decision, payload)
		assert.Equal(t, models.RiskMedium, rec.RiskLevel, payload)
		assert.Equal(t, []string{"Unknown or unsupported QR payload"}, models.ReasonMessages(rec.Reasons), payload)
		assert.Equal(t, models.ScamUnknown, rec.ScamCategory, payload)
		assert.Equal(t, []string{"The QR uses an unusual format that cannot be safely verified."}, rec.WhyDangerous)
		assertExplained(t, rec)
	}
}

func TestDecisionEngine_MissingImageBlocks(t *testing.T) {
	decoder := decoderFunc(func(context.Context, string) (string, error) {
		return "", &models.DecodeError{Kind: models.ErrImageNotFound}
	})
	engine, sink := newTestEngine(t, nil, decoder)

	rec := engine.AnalyzeImage(context.Background(), "/nonexistent/qr.png")

	assert.Equal(t, models.ActionBlock, rec.Decision)
	assert.Equal(t, models.RiskHigh, rec.RiskLevel)
	assert.Equal(t, []string{"QR decoding failed", "Image file does not exist"}, models.ReasonMessages(rec.Reasons))
	assert.Equal(t, models.ScamUnknown, rec.ScamCategory)
	assert.Equal(t, []models.TimelineStage{models.StageScan, models.StageDecode, models.StageDecision}, stages(rec))
	assert.Equal(t, "failed: Image file does not exist", rec.Timeline[1].Outcome)
	assertExplained(t, rec)

	audits := sink.all()
	require.Len(t, audits, 1)
	assert.Equal(t, models.ActionBlock, audits[0].Decision)
	assert.Equal(t, []string{
		"This QR triggered a security warning: QR decoding failed.",
		"This QR triggered a security warning: Image file does not exist.",
	}, audits[0].Reasons)
}

func TestDecisionEngine_UnexpectedDecoderErrorBlocks(t *testing.T) {
	decoder := decoderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("codec exploded")
	})
	engine, _ := newTestEngine(t, nil, decoder)

	rec := engine.AnalyzeImage(context.Background(), "qr.png")
	assert.Equal(t, models.ActionBlock, rec.Decision)
	assert.Equal(t, []string{"QR decoding failed", "QR decoding failed: codec exploded"}, models.ReasonMessages(rec.Reasons))

	engine, _ = newTestEngine(t, nil, nil)
	rec = engine.AnalyzeImage(context.Background(), "qr.png")
	assert.Equal(t, models.ActionBlock, rec.Decision)
}

func TestDecisionEngine_DecodedImageIsAnalyzed(t *testing.T) {
	decoder := decoderFunc(func(context.Context, string) (string, error) {
		return "upi://pay?pa=merchant@bank&pn=CoffeeShop&am=200", nil
	})
	engine, _ := newTestEngine(t, nil, decoder)

	rec := engine.AnalyzeImage(context.Background(), "qr.png")
	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.Equal(t, models.StageDecode, rec.Timeline[1].Stage)
	assert.Equal(t, "success", rec.Timeline[1].Outcome)
}

func TestDecisionEngine_InvalidUPIBlocks(t *testing.T) {
	scorer := &stubScorer{prob: 0.1}
	engine, sink := newTestEngine(t, scorer, nil)

	rec := engine.AnalyzePayload(context.Background(), "upi://pay?pa=shop@okaxis&pn=Shop&tn=https://evil.example/x")

	assert.Equal(t, models.ActionBlock, rec.Decision)
	assert.Equal(t, models.RiskHigh, rec.RiskLevel)
	assert.Equal(t, []string{"Invalid or unsafe UPI QR", "Suspicious URL found inside UPI payload"}, models.ReasonMessages(rec.Reasons))
	assert.Nil(t, rec.Details.UPI)
	assert.Equal(t, models.ScamUnknown, rec.ScamCategory)
	assert.NotContains(t, stages(rec), models.StageScamClassification)
	assert.Zero(t, scorer.calls.Load())
	assert.Len(t, sink.all(), 1)
}

func TestDecisionEngine_PanicFailsClosed(t *testing.T) {
	decoder := decoderFunc(func(context.Context, string) (string, error) {
		panic("decoder blew up")
	})
	engine, sink := newTestEngine(t, nil, decoder)

	var rec *models.DecisionRecord
	require.NotPanics(t, func() {
		rec = engine.AnalyzeImage(context.Background(), "qr.png")
	})

	require.NotNil(t, rec)
	assert.Equal(t, models.ActionBlock, rec.Decision)
	assert.Equal(t, models.RiskHigh, rec.RiskLevel)
	assert.Equal(t, []string{"Internal analysis error", "decoder blew up"}, models.ReasonMessages(rec.Reasons))
	assert.Equal(t, "decoder blew up", rec.Details.Error)
	assertExplained(t, rec)
	assert.Len(t, sink.all(), 1)
}

type panickingScorer struct{}

func (panickingScorer) PredictProba(context.Context, models.FeatureVector) (float64, error) {
	panic("index out of range")
}

func TestDecisionEngine_ScorerPanicFailsClosed(t *testing.T) {
	engine, _ := newTestEngine(t, panickingScorer{}, nil)

	rec := engine.AnalyzePayload(context.Background(), "upi://pay?pa=scam-id@xyz&am=6000")
	assert.Equal(t, models.ActionBlock, rec.Decision)
	assert.True(t, rec.HasReason(models.ReasonInternalFault))
}

func TestDecisionEngine_AuditFailureDoesNotFailDecision(t *testing.T) {
	engine, sink := newTestEngine(t, nil, nil)
	sink.err = errors.New("disk full")

	rec := engine.AnalyzePayload(context.Background(), "https://example.com")
	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.NotEmpty(t, rec.Summary)
}

func TestDecisionEngine_ObserversAndClock(t *testing.T) {
	obs := &countingObserver{}
	start := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	engine := NewDecisionEngine(EngineDeps{
		Observers: []DecisionObserver{obs},
		Clock: func() time.Time {
			return start.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
		},
		Logger: testLogger(),
	})

	rec := engine.AnalyzePayload(context.Background(), "https://example.com")
	assert.Equal(t, int32(1), obs.calls.Load())
	assert.True(t, rec.AnalyzedAt.After(start))
	assert.Positive(t, rec.Duration)
	assert.NotEqual(t, rec.ID.String(), "00000000-0000-0000-0000-000000000000")
}

type panickingObserver struct{}

func (panickingObserver) OnDecision(context.Context, *models.DecisionRecord) {
	panic("observer blew up")
}

func TestDecisionEngine_ObserverPanicKeepsVerdict(t *testing.T) {
	after := &countingObserver{}
	sink := &recordingSink{}
	engine := NewDecisionEngine(EngineDeps{
		Audit:     sink,
		Observers: []DecisionObserver{panickingObserver{}, after},
		Logger:    testLogger(),
	})

	var rec *models.DecisionRecord
	require.NotPanics(t, func() {
		rec = engine.AnalyzePayload(context.Background(), "upi://pay?pa=shop@okaxis&pn=Corner%20Store")
	})

	assert.Equal(t, models.ActionAllow, rec.Decision)
	assert.False(t, rec.HasReason(models.ReasonInternalFault))
	assert.Equal(t, int32(1), after.calls.Load())

	audited := sink.all()
	require.Len(t, audited, 1)
	assert.Equal(t, rec.ID, audited[0].DecisionID)
	assert.Equal(t, models.ActionAllow, audited[0].Decision)

	decisions := 0
	for _, st := range stages(rec) {
		if st == models.StageDecision {
			decisions++
		}
	}
	assert.Equal(t, 1, decisions)
}

func TestDecisionEngine_ConcurrentRequests(t *testing.T) {
	engine, sink := newTestEngine(t, &stubScorer{prob: 0.5}, nil)

	payloads := []string{
		"upi://pay?pa=merchant@bank&pn=CoffeeShop&am=200",
		"upi://pay?pa=scam-id@xyz&am=6000",
		"http://bit.ly/abc",
		"hello world",
		"upi://pay?pa=shop@okaxis&tn=http://x",
	}
	want := []models.Action{models.ActionAllow, models.ActionWarn, models.ActionWarn, models.ActionWarn, models.ActionBlock}

	const rounds = 20
	var wg sync.WaitGroup
	for r := 0; r < rounds; r++ {
		for i := range payloads {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := engine.AnalyzePayload(context.Background(), payloads[i])
				assert.Equal(t, want[i], rec.Decision, payloads[i])
			}(i)
		}
	}
	wg.Wait()

	assert.Len(t, sink.all(), rounds*len(payloads))
}
