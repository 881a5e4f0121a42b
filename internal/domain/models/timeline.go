package models

import "time"

// TimelineStage names a pipeline stage
type TimelineStage string

const (
	StageScan               TimelineStage = "SCAN"
	StageDecode             TimelineStage = "DECODE"
	StageClassify           TimelineStage = "CLASSIFY"
	StageParse              TimelineStage = "PARSE"
	StageRiskAnalysis       TimelineStage = "RISK_ANALYSIS"
	StageMLAnalysis         TimelineStage = "ML_ANALYSIS"
	StageScamClassification TimelineStage = "SCAM_CLASSIFICATION"
	StageDecision           TimelineStage = "DECISION"
)

// TimelineStep is one traversed stage
type TimelineStep struct {
	Timestamp   time.Time     `json:"timestamp"`
	Stage       TimelineStage `json:"stage"`
	Description string        `json:"description"`
	Outcome     string        `json:"outcome"`
}
