package service

import (
	"context"
	"errors"
	"fmt"

	"slidecredit/internal/credit"
	"slidecredit/internal/model"
)

const maxSlides = 100

var (
	ErrInvalidSlideCount = fmt.Errorf("slide count must be between 1 and %d", maxSlides)
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrInvalidFileSize   = errors.New("file size must be positive")
)

// Charger prices the operations callers perform and debits them through the
// ledger. Each charge is a single Deduct; callers that fail afterwards undo
// it with Refund.
type Charger struct {
	ledger LedgerService
	rates  credit.Rates
}

func NewCharger(ledger LedgerService, rates credit.Rates) *Charger {
	return &Charger{ledger: ledger, rates: rates}
}

func (c *Charger) Rates() credit.Rates {
	return c.rates
}

type GenerationCharge struct {
	AccountID       string `json:"-"`
	PresentationID  string `json:"presentation_id"`
	Title           string `json:"title"`
	Slides          int    `json:"slides"`
	WithResearch    bool   `json:"with_research"`
	PremiumTemplate bool   `json:"premium_template"`
}

func (c *Charger) QuoteGeneration(g GenerationCharge) (int64, error) {
	if err := validateSlides(g.Slides); err != nil {
		return 0, err
	}
	return c.rates.SlideGenerationCost(g.Slides, g.WithResearch, g.PremiumTemplate), nil
}

func (c *Charger) ChargeGeneration(ctx context.Context, g GenerationCharge) (*model.Result, error) {
	cost, err := c.QuoteGeneration(g)
	if err != nil {
		return nil, err
	}
	return c.ledger.Deduct(ctx, model.CreditRequest{
		AccountID:   g.AccountID,
		Amount:      cost,
		Kind:        model.KindSlideGeneration,
		Description: fmt.Sprintf("Generating %d slides: %s", g.Slides, g.Title),
		RelatedID:   g.PresentationID,
		Metadata: model.Metadata{
			"slides":           model.Int(int64(g.Slides)),
			"with_research":    model.Bool(g.WithResearch),
			"premium_template": model.Bool(g.PremiumTemplate),
		},
	})
}

type DocumentCharge struct {
	AccountID      string `json:"-"`
	PresentationID string `json:"presentation_id"`
	FileName       string `json:"file_name"`
	SizeBytes      int64  `json:"size_bytes"`
	Slides         int    `json:"slides"`
}

// QuoteDocument returns the processing and generation parts of a document
// upload. Generation from documents always includes research.
func (c *Charger) QuoteDocument(d DocumentCharge) (processing, generation int64, err error) {
	if d.SizeBytes <= 0 {
		return 0, 0, ErrInvalidFileSize
	}
	if err := validateSlides(d.Slides); err != nil {
		return 0, 0, err
	}
	return c.rates.DocumentProcessingCost(d.SizeBytes), c.rates.SlideGenerationCost(d.Slides, true, false), nil
}

func (c *Charger) ChargeDocument(ctx context.Context, d DocumentCharge) (*model.Result, error) {
	processing, generation, err := c.QuoteDocument(d)
	if err != nil {
		return nil, err
	}
	return c.ledger.Deduct(ctx, model.CreditRequest{
		AccountID:   d.AccountID,
		Amount:      processing + generation,
		Kind:        model.KindDocumentProcessing,
		Description: fmt.Sprintf("Document processing and generation: %s", d.FileName),
		RelatedID:   d.PresentationID,
		Metadata: model.Metadata{
			"slides":     model.Int(int64(d.Slides)),
			"file_name":  model.String(d.FileName),
			"size_bytes": model.Int(d.SizeBytes),
			"breakdown": model.Map(map[string]model.Value{
				"processing": model.Int(processing),
				"generation": model.Int(generation),
			}),
		},
	})
}

type CustomizationCharge struct {
	AccountID      string `json:"-"`
	PresentationID string `json:"presentation_id"`
	Slides         int    `json:"slides"`
}

func (c *Charger) QuoteCustomization(cc CustomizationCharge) (int64, error) {
	if err := validateSlides(cc.Slides); err != nil {
		return 0, err
	}
	return c.rates.CustomizationCost(cc.Slides), nil
}

func (c *Charger) ChargeCustomization(ctx context.Context, cc CustomizationCharge) (*model.Result, error) {
	cost, err := c.QuoteCustomization(cc)
	if err != nil {
		return nil, err
	}
	return c.ledger.Deduct(ctx, model.CreditRequest{
		AccountID:   cc.AccountID,
		Amount:      cost,
		Kind:        model.KindSlideCustomization,
		Description: fmt.Sprintf("Customizing %d slides", cc.Slides),
		RelatedID:   cc.PresentationID,
		Metadata:    model.Metadata{"slides": model.Int(int64(cc.Slides))},
	})
}

type ExportCharge struct {
	AccountID      string `json:"-"`
	PresentationID string `json:"presentation_id"`
	Format         string `json:"format"`
}

func (c *Charger) QuoteExport(e ExportCharge) (int64, error) {
	cost := c.rates.ExportCost(e.Format)
	if cost == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, e.Format)
	}
	return cost, nil
}

func (c *Charger) ChargeExport(ctx context.Context, e ExportCharge) (*model.Result, error) {
	cost, err := c.QuoteExport(e)
	if err != nil {
		return nil, err
	}
	kind, _ := credit.ExportKind(e.Format)
	return c.ledger.Deduct(ctx, model.CreditRequest{
		AccountID:   e.AccountID,
		Amount:      cost,
		Kind:        kind,
		Description: fmt.Sprintf("Export to %s", kind),
		RelatedID:   e.PresentationID,
		Metadata:    model.Metadata{"format": model.String(e.Format)},
	})
}

type RefundRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	RelatedID string `json:"related_id"`
	Reason    string `json:"reason"`
	// Reverses names the kind of the refunded charge. When set, the usage
	// that charge counted is taken back, Slides included.
	Reverses model.Kind `json:"reverses,omitempty"`
	Slides   int        `json:"slides,omitempty"`
}

// Refund credits back a charge whose operation failed later on.
func (c *Charger) Refund(ctx context.Context, r RefundRequest) (*model.Result, error) {
	reason := r.Reason
	if reason == "" {
		reason = "Refund"
	}

	var md model.Metadata
	if r.Reverses != "" {
		if !r.Reverses.Valid() || r.Reverses == model.KindRefund {
			return nil, fmt.Errorf("%w: cannot reverse %q", model.ErrInvalidKind, r.Reverses)
		}
		md = model.Metadata{"reverses": model.String(string(r.Reverses))}
		if r.Slides > 0 {
			md["slides"] = model.Int(int64(r.Slides))
		}
	}

	return c.ledger.Add(ctx, model.CreditRequest{
		AccountID:   r.AccountID,
		Amount:      r.Amount,
		Kind:        model.KindRefund,
		Description: reason,
		RelatedID:   r.RelatedID,
		Metadata:    md,
	})
}

func validateSlides(n int) error {
	if n < 1 || n > maxSlides {
		return ErrInvalidSlideCount
	}
	return nil
}
