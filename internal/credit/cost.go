package credit

import (
	"strings"

	"github.com/shopspring/decimal"

	"slidecredit/internal/model"
)

// Rates is the fixed price list, in credits. Values come from configuration
// and are never computed.
type Rates struct {
	SlideGeneration    int64           `json:"slide_generation"`
	AIResearch         int64           `json:"ai_research"`
	SlideCustomization int64           `json:"slide_customization"`
	ExportPDF          int64           `json:"export_pdf"`
	ExportPPTX         int64           `json:"export_pptx"`
	DocumentPerMB      decimal.Decimal `json:"document_processing_per_mb"`
	PremiumTemplate    int64           `json:"premium_template"`
	SignupGrant        int64           `json:"signup_grant"`
}

func DefaultRates() Rates {
	return Rates{
		SlideGeneration:    10,
		AIResearch:         5,
		SlideCustomization: 15,
		ExportPDF:          20,
		ExportPPTX:         30,
		DocumentPerMB:      decimal.NewFromInt(1),
		PremiumTemplate:    5,
		SignupGrant:        50,
	}
}

var bytesPerMB = decimal.NewFromInt(1024 * 1024)

// SlideGenerationCost prices generating slides slides. Callers validate that
// slides is positive.
func (r Rates) SlideGenerationCost(slides int, withResearch, premiumTemplate bool) int64 {
	n := int64(slides)
	cost := n * r.SlideGeneration
	if withResearch {
		cost += n * r.AIResearch
	}
	if premiumTemplate {
		cost += n * r.PremiumTemplate
	}
	return cost
}

// DocumentProcessingCost rounds up, so any non-empty document costs at least
// one credit while the per-MB rate is at least one.
func (r Rates) DocumentProcessingCost(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return decimal.NewFromInt(sizeBytes).
		Mul(r.DocumentPerMB).
		Div(bytesPerMB).
		Ceil().
		IntPart()
}

func (r Rates) CustomizationCost(slides int) int64 {
	return int64(slides) * r.SlideCustomization
}

// ExportCost returns 0 for formats that cannot be exported. Zero means
// unsupported, not free.
func (r Rates) ExportCost(format string) int64 {
	switch normalizeFormat(format) {
	case "pdf":
		return r.ExportPDF
	case "pptx":
		return r.ExportPPTX
	}
	return 0
}

// ExportKind maps an export format to its ledger entry kind.
func ExportKind(format string) (model.Kind, bool) {
	switch normalizeFormat(format) {
	case "pdf":
		return model.KindExportPDF, true
	case "pptx":
		return model.KindExportPPTX, true
	}
	return "", false
}

func normalizeFormat(format string) string {
	return strings.ToLower(strings.TrimSpace(format))
}
