package insighttype

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/taxonomy"
)

// accentFold strips combining diacritical marks so "établissement"
// compares equal to "etablissement".
var accentFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeEmbCode canonicalizes a packager code: accent fold, lower
// case, separators stripped, and the French "ec" suffix rewritten to
// the canonical "ce" so both spellings of an EC approval number match.
func NormalizeEmbCode(code string) string {
	folded, _, err := transform.String(accentFold, code)
	if err != nil {
		folded = code
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.HasSuffix(out, "ec") {
		out = strings.TrimSuffix(out, "ec") + "ce"
	}
	return out
}

// PackagerCode insights propose an EC packaging facility code read by OCR.
type PackagerCode struct{}

func (p *PackagerCode) Type() model.InsightType { return model.TypePackagerCode }
func (p *PackagerCode) Hierarchical() bool      { return false }
func (p *PackagerCode) AutoThreshold() float64  { return -1 }
func (p *PackagerCode) PurgeOnImport() bool     { return false }
func (p *PackagerCode) Singleton() bool         { return false }

func (p *PackagerCode) Normalize(valueTag string) string {
	return NormalizeEmbCode(valueTag)
}

// SeenTags normalizes the product's existing codes so candidates are
// compared in canonical form.
func (p *PackagerCode) SeenTags(product *model.Product) []string {
	out := make([]string, 0, len(product.EmbCodes))
	for _, c := range product.EmbCodes {
		out = append(out, NormalizeEmbCode(c))
	}
	return out
}

func (p *PackagerCode) Eligible(_ context.Context, _ *model.Product, pred *model.Prediction) (bool, error) {
	return NormalizeEmbCode(pred.ValueTag) != "", nil
}

func (p *PackagerCode) LatencyRule(product *model.Product, insight *model.Insight, _ *taxonomy.Taxonomy) Latency {
	for _, c := range product.EmbCodes {
		if NormalizeEmbCode(c) == insight.ValueTag {
			return LatencyLatent
		}
	}
	return LatencyKeep
}

func (p *PackagerCode) AnnotateEffect(insight *model.Insight) (Effect, error) {
	code := insight.Value
	if code == "" {
		code = insight.ValueTag
	}
	return Effect{
		Patch:   map[string]string{"add_emb_codes": code},
		Comment: "[curator] add packager code " + code,
	}, nil
}
