// Package model defines the core domain types for the insight lifecycle engine.
package model

import "time"

// InsightType tags a fact family. The set is closed: each type has an
// import rule, a latency rule, and an annotate effect registered at startup.
type InsightType string

// Insight type constants.
const (
	TypeCategory             InsightType = "category"
	TypeLabel                InsightType = "label"
	TypeBrand                InsightType = "brand"
	TypePackagerCode         InsightType = "packager_code"
	TypeIngredientSpellcheck InsightType = "ingredient_spellcheck"
	TypeProductWeight        InsightType = "product_weight"
)

// AllTypes lists every registered insight type.
var AllTypes = []InsightType{
	TypeCategory,
	TypeLabel,
	TypeBrand,
	TypePackagerCode,
	TypeIngredientSpellcheck,
	TypeProductWeight,
}

// Valid reports whether t is a registered insight type.
func (t InsightType) Valid() bool {
	for _, k := range AllTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Hierarchical reports whether values of this type live in a taxonomy
// and are subject to ancestor/descendant deduplication.
func (t InsightType) Hierarchical() bool {
	return t == TypeCategory || t == TypeLabel
}

// InsightState is the explicit lifecycle state of an insight.
type InsightState string

// Insight state constants. Annotated and rejected are terminal.
const (
	StatePending            InsightState = "pending"
	StateLatent             InsightState = "latent"
	StateAutomaticScheduled InsightState = "automatic_scheduled"
	StateAnnotated          InsightState = "annotated"
	StateRejected           InsightState = "rejected"
	StateDeleted            InsightState = "deleted"
)

// Terminal reports whether no further transition is allowed from s.
func (s InsightState) Terminal() bool {
	return s == StateAnnotated || s == StateRejected || s == StateDeleted
}

// Annotation decision values.
const (
	AnnotationAccept      = 1
	AnnotationReject      = 0
	AnnotationRejectNoise = -1
)

// Insight is a reconciled candidate fact about a product.
type Insight struct {
	ID                  string         `json:"id"`
	Barcode             string         `json:"barcode"`
	Type                InsightType    `json:"type"`
	Value               string         `json:"value,omitempty"`
	ValueTag            string         `json:"value_tag,omitempty"`
	Data                map[string]any `json:"data,omitempty"`
	Confidence          *float64       `json:"confidence,omitempty"`
	State               InsightState   `json:"state"`
	Annotation          *int           `json:"annotation,omitempty"`
	AutomaticProcessing bool           `json:"automatic_processing"`
	ProcessAfter        *time.Time     `json:"process_after,omitempty"`
	Latent              bool           `json:"latent"`
	Predictor           string         `json:"predictor,omitempty"`
	PredictorVersion    string         `json:"predictor_version,omitempty"`
	SourceImage         string         `json:"source_image,omitempty"`
	ReservedBarcode     bool           `json:"reserved_barcode"`

	// Denormalized product attributes refreshed by the validator so
	// presentation-layer filters do not re-join the product service.
	Brands      []string `json:"brands,omitempty"`
	Countries   []string `json:"countries,omitempty"`
	UniqueScans int      `json:"unique_scans_n"`

	CompletedBy string     `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Annotated reports whether a decision has been recorded. Annotation
// is write-once: once set it is never reset.
func (i *Insight) Annotated() bool {
	return i.Annotation != nil
}

// ReadyToApply reports whether the scheduler may auto-apply the insight
// at the given instant.
func (i *Insight) ReadyToApply(now time.Time) bool {
	return i.Annotation == nil && i.ProcessAfter != nil && i.ProcessAfter.Before(now)
}

// InsightEvent is one row of the append-only state transition log.
type InsightEvent struct {
	ID        string       `json:"id"`
	InsightID string       `json:"insight_id"`
	FromState InsightState `json:"from_state"`
	ToState   InsightState `json:"to_state"`
	Actor     string       `json:"actor,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ImportResult reports the operation counts of one importer run.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Add accumulates another result into r.
func (r *ImportResult) Add(other ImportResult) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
}

// Empty reports whether the run changed nothing.
func (r ImportResult) Empty() bool {
	return r.Created == 0 && r.Updated == 0 && r.Deleted == 0
}
