package services

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewNop()
}

type stubScorer struct {
	prob  float64
	err   error
	calls atomic.Int32
}

func (s *stubScorer) PredictProba(context.Context, models.FeatureVector) (float64, error) {
	s.calls.Add(1)
	return s.prob, s.err
}

type stubExplainer struct {
	attr models.Attribution
	err  error
}

func (s stubExplainer) Attribute(context.Context, models.FeatureVector) (models.Attribution, error) {
	return s.attr, s.err
}

var sampleFeatures = models.FeatureVector{
	FeatureAmount:              6000,
	FeatureGenericMerchantName: 0,
	FeatureMerchantNameLength:  0,
	FeatureMerchantNameMissing: 1,
	FeatureUPIIDLength:         11,
}

func loadedScorer(prob float64, policy EscalationPolicy) *MLScorer {
	return NewMLScorer(Loaded{
		Scorer: &stubScorer{prob: prob},
		Explainer: stubExplainer{attr: models.Attribution{
			FeatureAmount:              0.21234,
			FeatureMerchantNameMissing: -0.3,
			FeatureUPIIDLength:         0.05,
		}},
		Version: "test",
	}, policy, testLogger())
}

func TestMLScorer_Thresholds(t *testing.T) {
	tests := []struct {
		prob    float64
		action  models.Action
		outcome string
		first   models.ReasonCode
	}{
		{0.9, models.ActionBlock, OutcomeHigh, models.ReasonMLHighProbability},
		{0.7, models.ActionBlock, OutcomeHigh, models.ReasonMLHighProbability},
		{0.6999, models.ActionBlock, OutcomeHigh, models.ReasonMLHighProbability},
		{0.69949, models.ActionWarn, OutcomeModerate, models.ReasonMLModerateProbability},
		{0.4, models.ActionWarn, OutcomeModerate, models.ReasonMLModerateProbability},
		{0.3999, models.ActionWarn, OutcomeModerate, models.ReasonMLModerateProbability},
		{0.2, models.ActionAllow, OutcomeLow, models.ReasonMLTopContributor},
		{0, models.ActionAllow, OutcomeLow, models.ReasonMLTopContributor},
	}

	for _, tt := range tests {
		esc := loadedScorer(tt.prob, DefaultEscalationPolicy()).Escalate(context.Background(), sampleFeatures)

		assert.Equal(t, tt.action, esc.Action, "p=%v", tt.prob)
		assert.Equal(t, tt.outcome, esc.Assessment.Outcome, "p=%v", tt.prob)
		assert.True(t, esc.Assessment.ModelUsed)
		require.NotNil(t, esc.Assessment.RiskProbability)
		assert.Equal(t, math.Round(tt.prob*1000)/1000, *esc.Assessment.RiskProbability)
		require.NotEmpty(t, esc.Reasons)
		assert.Equal(t, tt.first, esc.Reasons[0].Code, "p=%v", tt.prob)

		last := esc.Reasons[len(esc.Reasons)-1]
		assert.Equal(t, models.ReasonMLTopContributor, last.Code)
		assert.Equal(t, "ML analysis found 'merchant_name_missing' as a major risk contributor", last.Message)
	}
}

func TestMLScorer_AttributionRoundedAndLimitedToFeatures(t *testing.T) {
	scorer := NewMLScorer(Loaded{
		Scorer: &stubScorer{prob: 0.5},
		Explainer: stubExplainer{attr: models.Attribution{
			FeatureAmount: 0.21264,
			"not_scored":  9,
		}},
	}, DefaultEscalationPolicy(), testLogger())

	esc := scorer.Escalate(context.Background(), models.FeatureVector{FeatureAmount: 6000, FeatureUPIIDLength: 11})

	assert.Equal(t, models.Attribution{FeatureAmount: 0.213, FeatureUPIIDLength: 0}, esc.Assessment.Attribution)
	assert.Equal(t, FeatureAmount, esc.Assessment.TopFeature)
}

func TestMLScorer_NoDowngradeKeepsWarn(t *testing.T) {
	policy := DefaultEscalationPolicy()
	policy.AllowDowngrade = false

	esc := loadedScorer(0.1, policy).Escalate(context.Background(), sampleFeatures)
	assert.Equal(t, models.ActionWarn, esc.Action)
	assert.Equal(t, OutcomeLow, esc.Assessment.Outcome)
}

func TestMLScorer_UnavailableKeepsWarn(t *testing.T) {
	scorer := NewMLScorer(Unavailable{Reason: "model file not found"}, DefaultEscalationPolicy(), testLogger())
	assert.False(t, scorer.Available())

	esc := scorer.Escalate(context.Background(), sampleFeatures)
	assert.Equal(t, models.ActionWarn, esc.Action)
	assert.Empty(t, esc.Reasons)
	assert.False(t, esc.Assessment.ModelUsed)
	assert.Nil(t, esc.Assessment.RiskProbability)
	assert.Equal(t, OutcomeUnavailable, esc.Assessment.Outcome)
	assert.Equal(t, "model file not found", esc.Assessment.Note)

	assert.IsType(t, Unavailable{}, NewMLScorer(nil, DefaultEscalationPolicy(), testLogger()).State())
}

func TestMLScorer_PredictionFailures(t *testing.T) {
	for _, s := range []*stubScorer{
		{err: errors.New("tensor shape mismatch")},
		{prob: math.NaN()},
		{prob: 1.5},
		{prob: -0.1},
	} {
		scorer := NewMLScorer(Loaded{Scorer: s}, DefaultEscalationPolicy(), testLogger())
		assert.True(t, scorer.Available())

		esc := scorer.Escalate(context.Background(), sampleFeatures)
		assert.Equal(t, models.ActionWarn, esc.Action)
		assert.False(t, esc.Assessment.ModelUsed)
		assert.True(t, strings.HasPrefix(esc.Assessment.Note, "prediction failed"))
	}
}

func TestMLScorer_ExplainerFailureKeepsVerdict(t *testing.T) {
	for _, explainer := range []Explainer{nil, stubExplainer{err: errors.New("boom")}} {
		scorer := NewMLScorer(Loaded{Scorer: &stubScorer{prob: 0.8}, Explainer: explainer}, DefaultEscalationPolicy(), testLogger())

		esc := scorer.Escalate(context.Background(), sampleFeatures)
		assert.Equal(t, models.ActionBlock, esc.Action)
		assert.Len(t, esc.Reasons, 1)
		assert.Empty(t, esc.Assessment.TopFeature)
		assert.Equal(t, "attribution unavailable", esc.Assessment.Note)
	}
}

// Two trees over [amount, merchant_name_missing].
//
//	tree 0: amount <= 5000 ? 0.2 : (missing <= 0.5 ? 0.6 : 0.95), root 0.5, inner 0.8
//	tree 1: missing <= 0.5 ? 0.3 : 0.7, root 0.4
func testForestModel() ForestModel {
	return ForestModel{
		Version:      "test-1",
		FeatureNames: []string{FeatureAmount, FeatureMerchantNameMissing},
		Trees: []TreeSpec{
			{Nodes: []NodeSpec{
				{Feature: 0, Threshold: 5000, Left: 1, Right: 2, Value: 0.5},
				{Left: -1, Right: -1, Value: 0.2},
				{Feature: 1, Threshold: 0.5, Left: 3, Right: 4, Value: 0.8},
				{Left: -1, Right: -1, Value: 0.6},
				{Left: -1, Right: -1, Value: 0.95},
			}},
			{Nodes: []NodeSpec{
				{Feature: 1, Threshold: 0.5, Left: 1, Right: 2, Value: 0.4},
				{Left: -1, Right: -1, Value: 0.3},
				{Left: -1, Right: -1, Value: 0.7},
			}},
		},
	}
}

func TestRandomForest_PredictProba(t *testing.T) {
	rf, err := NewRandomForest(testForestModel(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		amount, missing float64
		want            float64
	}{
		{6000, 1, (0.95 + 0.7) / 2},
		{6000, 0, (0.6 + 0.3) / 2},
		{200, 0, (0.2 + 0.3) / 2},
		{5000, 1, (0.2 + 0.7) / 2},
	}
	for _, tt := range tests {
		p, err := rf.PredictProba(ctx, models.FeatureVector{FeatureAmount: tt.amount, FeatureMerchantNameMissing: tt.missing})
		require.NoError(t, err)
		assert.InDelta(t, tt.want, p, 1e-9, "amount=%v missing=%v", tt.amount, tt.missing)
	}

	_, err = rf.PredictProba(ctx, models.FeatureVector{FeatureAmount: 1})
	assert.ErrorContains(t, err, "missing feature")
}

func TestRandomForest_AttributionSumsToPredictionMinusBias(t *testing.T) {
	rf, err := NewRandomForest(testForestModel(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	assert.InDelta(t, 0.45, rf.Bias(), 1e-9)

	fv := models.FeatureVector{FeatureAmount: 6000, FeatureMerchantNameMissing: 1}
	attr, err := rf.Attribute(ctx, fv)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, attr[FeatureAmount], 1e-9)
	assert.InDelta(t, 0.225, attr[FeatureMerchantNameMissing], 1e-9)

	p, err := rf.PredictProba(ctx, fv)
	require.NoError(t, err)
	sum := 0.0
	for _, v := range attr {
		sum += v
	}
	assert.InDelta(t, p-rf.Bias(), sum, 1e-9)

	top, _ := attr.TopContributor()
	assert.Equal(t, FeatureMerchantNameMissing, top)
}

func TestNewRandomForest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ForestModel)
		errMsg string
	}{
		{"no features", func(m *ForestModel) { m.FeatureNames = nil }, "no feature names"},
		{"unsorted features", func(m *ForestModel) { m.FeatureNames = []string{"z", "a"} }, "sorted"},
		{"no trees", func(m *ForestModel) { m.Trees = nil }, "no trees"},
		{"empty tree", func(m *ForestModel) { m.Trees[1].Nodes = nil }, "empty tree"},
		{"value out of range", func(m *ForestModel) { m.Trees[0].Nodes[3].Value = 1.2 }, "outside [0,1]"},
		{"feature out of range", func(m *ForestModel) { m.Trees[1].Nodes[0].Feature = 7 }, "feature index"},
		{"backward child", func(m *ForestModel) { m.Trees[0].Nodes[2].Left = 1 }, "invalid children"},
		{"child past end", func(m *ForestModel) { m.Trees[1].Nodes[0].Right = 9 }, "invalid children"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := testForestModel()
			tt.mutate(&model)
			_, err := NewRandomForest(model, testLogger())
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoadModelState(t *testing.T) {
	dir := t.TempDir()

	assert.IsType(t, Unavailable{}, LoadModelState("", testLogger()))

	missing := LoadModelState(filepath.Join(dir, "absent.json"), testLogger())
	require.IsType(t, Unavailable{}, missing)
	assert.Equal(t, "model file not found", missing.(Unavailable).Reason)

	good := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"version": "2024.06",
		"feature_names": ["amount"],
		"trees": [{"nodes": [
			{"feature": 0, "threshold": 5000, "left": 1, "right": 2, "value": 0.5},
			{"left": -1, "right": -1, "value": 0.1},
			{"left": -1, "right": -1, "value": 0.9}
		]}]
	}`), 0o600))
	state := LoadModelState(good, testLogger())
	require.IsType(t, Loaded{}, state)
	loaded := state.(Loaded)
	assert.Equal(t, "2024.06", loaded.Version)
	p, err := loaded.Scorer.PredictProba(context.Background(), models.FeatureVector{FeatureAmount: 9000})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, p, 1e-9)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"version":"x","feature_names":["a"],"trees":[],"kernel":"rbf"}`), 0o600))
	assert.IsType(t, Unavailable{}, LoadModelState(unknown, testLogger()))

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"version":"x","feature_names":["a"],"trees":[]}`), 0o600))
	assert.IsType(t, Unavailable{}, LoadModelState(invalid, testLogger()))
}
