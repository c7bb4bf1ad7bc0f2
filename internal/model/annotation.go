package model

// AnnotationStatus is a user-facing terminal status of an annotate call.
// These are returned, never raised as errors; infrastructure failures
// propagate separately as errors.
type AnnotationStatus string

// Annotation status constants.
const (
	StatusSaved            AnnotationStatus = "saved"
	StatusUpdated          AnnotationStatus = "updated"
	StatusAlreadyAnnotated AnnotationStatus = "already_annotated"
	StatusUnknownInsight   AnnotationStatus = "unknown_insight"
	StatusMissingProduct   AnnotationStatus = "missing_product"
	StatusInvalidData      AnnotationStatus = "invalid_data"
)

// AnnotationResult is the outcome of applying a decision to an insight.
type AnnotationResult struct {
	Status      AnnotationStatus `json:"status"`
	Description string           `json:"description,omitempty"`
}

// Saved reports whether the decision was recorded by this call.
func (r AnnotationResult) Saved() bool {
	return r.Status == StatusSaved || r.Status == StatusUpdated
}
