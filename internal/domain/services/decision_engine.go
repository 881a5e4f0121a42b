package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/metrics"
	"qrguard-lab/pkg/logger"
)

// Decoder extracts the text payload from a QR image reference
type Decoder interface {
	Decode(ctx context.Context, ref string) (string, error)
}

// AuditSink persists decisions. Append must be safe for concurrent use and
// write each record whole.
type AuditSink interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

// DecisionObserver is notified of every finished decision
type DecisionObserver interface {
	OnDecision(ctx context.Context, rec *models.DecisionRecord)
}

// EngineDeps holds the collaborators of a DecisionEngine
type EngineDeps struct {
	Decoder   Decoder
	Model     *MLScorer
	Audit     AuditSink
	Explainer *ExplainabilityEngine
	Observers []DecisionObserver
	Clock     Clock
	Logger    *logger.Logger
}

// DecisionEngine runs the QR analysis pipeline. Per-request state lives on
// the stack, so one engine serves concurrent requests.
type DecisionEngine struct {
	decoder   Decoder
	model     *MLScorer
	audit     AuditSink
	explainer *ExplainabilityEngine
	features  *FeatureExtractor
	observers []DecisionObserver
	now       Clock
	logger    *logger.Logger
}

// NewDecisionEngine wires the pipeline. Missing optional collaborators get
// safe defaults: no model means heuristics only.
func NewDecisionEngine(deps EngineDeps) *DecisionEngine {
	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}
	model := deps.Model
	if model == nil {
		model = NewMLScorer(Unavailable{Reason: "no model configured"}, DefaultEscalationPolicy(), log)
	}
	explainer := deps.Explainer
	if explainer == nil {
		explainer = NewExplainabilityEngine(nil)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	metrics.SetModelLoaded(model.Available())

	return &DecisionEngine{
		decoder:   deps.Decoder,
		model:     model,
		audit:     deps.Audit,
		explainer: explainer,
		features:  NewFeatureExtractor(log),
		observers: deps.Observers,
		now:       now,
		logger:    log.WithComponent("decision-engine"),
	}
}

// analysis is the per-request state of one pipeline run
type analysis struct {
	started  time.Time
	timeline *DecisionTimeline
	record   *models.DecisionRecord
	logger   *logger.Logger
	// audited is set once the audit step has run; from then on the verdict
	// is final.
	audited bool
}

func (e *DecisionEngine) begin() *analysis {
	id := uuid.New()
	a := &analysis{
		started:  e.now(),
		timeline: NewDecisionTimeline(e.now),
		record: &models.DecisionRecord{
			ID:           id,
			Decision:     models.ActionAllow,
			RiskLevel:    models.RiskLow,
			Reasons:      []models.Reason{},
			ScamCategory: models.ScamUnknown,
		},
		logger: e.logger.WithDecisionID(id.String()),
	}
	a.timeline.Record(models.StageScan, "QR scan received", "started")
	return a
}

// AnalyzeImage decodes a QR image and analyses its payload. It always returns
// a record; failures become BLOCK decisions.
func (e *DecisionEngine) AnalyzeImage(ctx context.Context, ref string) (rec *models.DecisionRecord) {
	a := e.begin()
	defer e.recoverFault(ctx, a, &rec)

	if e.decoder == nil {
		return e.blockEarly(ctx, a, models.StageDecode, models.ReasonQRDecodeFailed, "no QR decoder configured")
	}

	payload, err := e.decoder.Decode(ctx, ref)
	if err != nil {
		return e.blockEarly(ctx, a, models.StageDecode, models.ReasonQRDecodeFailed, decodeFailureDetail(err))
	}
	a.timeline.Record(models.StageDecode, "QR image decoded", "success")

	return e.analyze(ctx, a, payload)
}

// AnalyzePayload analyses an already decoded payload
func (e *DecisionEngine) AnalyzePayload(ctx context.Context, payload string) (rec *models.DecisionRecord) {
	a := e.begin()
	defer e.recoverFault(ctx, a, &rec)

	return e.analyze(ctx, a, payload)
}

func (e *DecisionEngine) analyze(ctx context.Context, a *analysis, payload string) *models.DecisionRecord {
	payload = strings.TrimSpace(payload)
	rec := a.record
	rec.Details.Payload = payload

	kind := ClassifyPayload(payload)
	rec.PayloadKind = kind
	a.timeline.Record(models.StageClassify, "Payload classified", string(kind))

	switch kind {
	case models.PayloadUPIPayment:
		if done := e.analyzeUPI(ctx, a, payload); done {
			return rec
		}
	case models.PayloadURL:
		e.analyzeURL(a, payload)
	default:
		rec.Decision = models.ActionWarn
		rec.RiskLevel = models.RiskMedium
		rec.Reasons = append(rec.Reasons, models.ReasonOf(models.ReasonUnsupportedPayload))
		a.timeline.Record(models.StageRiskAnalysis, "Unsupported payload, fixed verdict", string(models.RiskMedium))
	}

	rec.ScamCategory = ClassifyScam(kind, rec.Reasons, rec.Details)
	a.timeline.Record(models.StageScamClassification, "Scam archetype assigned", string(rec.ScamCategory))

	return e.finish(ctx, a)
}

// analyzeUPI reports true when the pipeline already finished with a BLOCK
func (e *DecisionEngine) analyzeUPI(ctx context.Context, a *analysis, payload string) bool {
	rec := a.record

	intent, err := ParseUPI(payload)
	if err != nil {
		e.blockEarly(ctx, a, models.StageParse, models.ReasonInvalidUPI, err.Error())
		return true
	}
	a.timeline.Record(models.StageParse, "UPI payload parsed", "success")
	rec.Details.UPI = intent

	score := EvaluateUPI(intent)
	level := score.Level()
	rec.RiskPoints = score.Points
	rec.RiskLevel = level
	rec.Reasons = append(rec.Reasons, score.Reasons...)
	a.timeline.Record(models.StageRiskAnalysis, "UPI heuristics evaluated", scoreOutcome(score))

	switch level {
	case models.RiskHigh:
		rec.Decision = models.ActionBlock
	case models.RiskMedium:
		rec.Decision = models.ActionWarn
		e.escalate(ctx, a, intent)
	default:
		rec.Decision = models.ActionAllow
	}
	return false
}

func (e *DecisionEngine) escalate(ctx context.Context, a *analysis, intent *models.UPIIntent) {
	rec := a.record
	features := e.features.ExtractUPI(intent)
	rec.Details.Features = features

	esc := e.model.Escalate(ctx, features)
	rec.Details.ML = &esc.Assessment
	rec.Decision = esc.Action
	rec.Reasons = append(rec.Reasons, esc.Reasons...)

	metrics.MLEscalationsTotal.WithLabelValues(esc.Assessment.Outcome).Inc()

	outcome := esc.Assessment.Outcome
	if p := esc.Assessment.RiskProbability; p != nil {
		outcome = fmt.Sprintf("%s p=%.3f -> %s", outcome, *p, esc.Action)
	}
	a.timeline.Record(models.StageMLAnalysis, "ML second opinion", outcome)

	a.logger.Debug().
		Bool("model_used", esc.Assessment.ModelUsed).
		Str("outcome", esc.Assessment.Outcome).
		Str("action", string(esc.Action)).
		Msg("escalation applied")
}

func (e *DecisionEngine) analyzeURL(a *analysis, payload string) {
	rec := a.record
	if u, err := url.Parse(payload); err == nil {
		rec.Details.URL = &models.URLDetails{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	}
	rec.Details.Features = e.features.ExtractURL(payload)

	score := EvaluateURL(payload)
	rec.RiskPoints = score.Points
	rec.RiskLevel = score.Level()
	rec.Reasons = append(rec.Reasons, score.Reasons...)
	a.timeline.Record(models.StageRiskAnalysis, "URL heuristics evaluated", scoreOutcome(score))

	rec.Decision = models.ActionAllow
	if rec.RiskLevel != models.RiskLow {
		rec.Decision = models.ActionWarn
	}
}

// blockEarly ends the pipeline with a BLOCK for a decode or parse fault.
// Scam classification and ML are skipped; explanation and audit still run.
func (e *DecisionEngine) blockEarly(ctx context.Context, a *analysis, stage models.TimelineStage, code models.ReasonCode, detail string) *models.DecisionRecord {
	rec := a.record
	a.timeline.Record(stage, "Pipeline stage failed", "failed: "+detail)

	rec.Decision = models.ActionBlock
	rec.RiskLevel = models.RiskHigh
	rec.RiskPoints = 0
	rec.Reasons = []models.Reason{models.ReasonOf(code), models.DetailReason(detail)}
	rec.ScamCategory = models.ScamUnknown
	rec.Details.Error = detail

	a.logger.Info().Str("stage", string(stage)).Str("detail", detail).Msg("blocking on pipeline failure")

	return e.finish(ctx, a)
}

// finish explains, appends DECISION, audits and notifies observers. Audit
// and observers run at most once per analysis.
func (e *DecisionEngine) finish(ctx context.Context, a *analysis) *models.DecisionRecord {
	rec := a.record

	exp := e.explainer.Explain(rec.RiskLevel, rec.Decision, rec.Reasons)
	rec.Summary = exp.Summary
	rec.WhyDangerous = exp.WhyDangerous
	rec.RecommendedAction = exp.RecommendedAction
	rec.NarrativeVersion = exp.Version

	a.timeline.Record(models.StageDecision, "Final decision", string(rec.Decision))
	rec.Timeline = a.timeline.Export()
	rec.AnalyzedAt = a.started.UTC()
	rec.Duration = e.now().Sub(a.started)

	e.appendAudit(ctx, a)

	metrics.ObserveDecision(string(rec.Decision), string(rec.PayloadKind), string(rec.ScamCategory), rec.Duration)

	a.logger.Info().
		Str("payload_kind", string(rec.PayloadKind)).
		Str("decision", string(rec.Decision)).
		Str("risk_level", string(rec.RiskLevel)).
		Int("risk_points", rec.RiskPoints).
		Str("scam_category", string(rec.ScamCategory)).
		Dur("duration", rec.Duration).
		Msg("QR decision")

	e.notify(ctx, a)

	return rec
}

func (e *DecisionEngine) appendAudit(ctx context.Context, a *analysis) {
	if a.audited {
		return
	}
	if e.audit != nil {
		if err := e.audit.Append(ctx, models.NewAuditRecord(a.record, e.now())); err != nil {
			metrics.AuditFailuresTotal.WithLabelValues("engine").Inc()
			a.logger.Error().Err(err).Msg("failed to append audit record")
		}
	}
	a.audited = true
}

// notify delivers the final record to each observer. A failing observer is
// logged and skipped; the verdict is already audited.
func (e *DecisionEngine) notify(ctx context.Context, a *analysis) {
	for _, o := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Interface("panic", r).Msg("decision observer failed")
				}
			}()
			o.OnDecision(ctx, a.record)
		}()
	}
}

// recoverFault turns a panic anywhere in the pipeline into a BLOCK
func (e *DecisionEngine) recoverFault(ctx context.Context, a *analysis, out **models.DecisionRecord) {
	r := recover()
	if r == nil {
		return
	}
	metrics.PipelineFaultsTotal.Inc()
	rec := a.record
	if a.audited {
		a.logger.Error().Interface("panic", r).Msg("fault after decision was recorded")
		*out = rec
		return
	}
	a.logger.Error().Interface("panic", r).Msg("pipeline fault, failing closed")

	detail := fmt.Sprint(r)
	rec.Decision = models.ActionBlock
	rec.RiskLevel = models.RiskHigh
	rec.Reasons = []models.Reason{models.ReasonOf(models.ReasonInternalFault), models.DetailReason(detail)}
	rec.ScamCategory = models.ScamUnknown
	rec.Details.Error = detail

	// A second fault while finishing must not escape either
	defer func() {
		if r2 := recover(); r2 != nil {
			a.logger.Error().Interface("panic", r2).Msg("fault while finishing failed decision")
			rec.Summary = e.explainer.Summary(models.RiskHigh)
			rec.RecommendedAction = e.explainer.RecommendedAction(models.ActionBlock)
			rec.Timeline = a.timeline.Export()
			*out = rec
		}
	}()
	*out = e.finish(ctx, a)
}

func decodeFailureDetail(err error) string {
	var de *models.DecodeError
	if errors.As(err, &de) {
		return de.Error()
	}
	return models.NewDecodeError(models.ErrDecodeFailed, err).Error()
}

func scoreOutcome(s models.RiskScore) string {
	return fmt.Sprintf("score=%d level=%s", s.Points, s.Level())
}
