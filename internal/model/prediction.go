package model

import "time"

// Prediction is the raw, unreconciled output of a signal producer
// (OCR matcher, neural classifier, keyword matcher, logo classifier).
// Predictions are append-only: a new prediction from the same producer
// and source image supersedes the old one rather than mutating it.
type Prediction struct {
	ID               string         `json:"id"`
	Barcode          string         `json:"barcode"`
	Type             InsightType    `json:"type"`
	Value            string         `json:"value,omitempty"`
	ValueTag         string         `json:"value_tag,omitempty"`
	SourceImage      string         `json:"source_image,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	Predictor        string         `json:"predictor"`
	PredictorVersion string         `json:"predictor_version,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Automatic        bool           `json:"automatic_processing"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ConfidenceAbove reports whether the prediction carries a confidence
// score at or above min. Predictions without a score never qualify.
func (p *Prediction) ConfidenceAbove(min float64) bool {
	return p.Confidence != nil && *p.Confidence >= min
}
