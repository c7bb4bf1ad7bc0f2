package model

// Product is the minimal read-only projection of the canonical product
// record needed for import and validation. It is owned by the external
// product service; the engine never mutates it except through the
// annotator's patch write-back.
type Product struct {
	Barcode         string   `json:"code"`
	Categories      []string `json:"categories_tags"`
	Labels          []string `json:"labels_tags"`
	Brands          []string `json:"brands_tags"`
	EmbCodes        []string `json:"emb_codes_tags"`
	Countries       []string `json:"countries_tags"`
	Quantity        string   `json:"quantity,omitempty"`
	IngredientsText string   `json:"ingredients_text,omitempty"`
	ImageIDs        []string `json:"images"`
	UniqueScans     int      `json:"unique_scans_n"`
}

// HasImage reports whether imageID is still a valid image of the product.
func (p *Product) HasImage(imageID string) bool {
	for _, id := range p.ImageIDs {
		if id == imageID {
			return true
		}
	}
	return false
}

// HasTag reports whether tag is present in the given tag list.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagsForType returns the product attribute tags matching an insight type,
// or nil when the type has no tag-valued product attribute.
func (p *Product) TagsForType(t InsightType) []string {
	switch t {
	case TypeCategory:
		return p.Categories
	case TypeLabel:
		return p.Labels
	case TypeBrand:
		return p.Brands
	case TypePackagerCode:
		return p.EmbCodes
	default:
		return nil
	}
}
