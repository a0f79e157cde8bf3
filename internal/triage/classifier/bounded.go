package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/careline/triage/internal/shared/metrics"
	"github.com/careline/triage/internal/triage/evidence"
)

// Bounded enforces a response envelope around a Classifier and Extractor.
// An overrun or a transport failure never reaches the caller as a hard
// error: Classify degrades to LowConfidence and Extract to no symptoms.
type Bounded struct {
	classifier Classifier
	extractor  Extractor
	logger     *slog.Logger
}

// NewBounded wraps the collaborators.
func NewBounded(c Classifier, e Extractor, logger *slog.Logger) *Bounded {
	return &Bounded{classifier: c, extractor: e, logger: logger}
}

// Classify calls the classifier within envelope. The returned error is nil
// on success and otherwise ErrAdapterTimeout or ErrAdapterUnavailable for
// the caller's audit trail; the Result is always usable. A cancelled parent
// context is returned as is so an abandoned session can stop.
func (b *Bounded) Classify(ctx context.Context, envelope time.Duration, text, language, patientRef string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, envelope)
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := b.classifier.Classify(cctx, text, language, patientRef)
		ch <- reply{res, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-cctx.Done():
		r.err = cctx.Err()
	}

	if r.err == nil {
		metrics.RecordClassifierCall("ok")
		return r.res, nil
	}
	if ctx.Err() != nil {
		return LowConfidence(), ctx.Err()
	}

	kind := classifyError(cctx, r.err)
	b.logger.WarnContext(ctx, "classifier degraded to low confidence",
		"envelope", envelope,
		"error", r.err,
	)
	if errors.Is(kind, ErrAdapterTimeout) {
		metrics.RecordClassifierCall("timeout")
	} else {
		metrics.RecordClassifierCall("unavailable")
	}
	return LowConfidence(), kind
}

// Extract calls the extractor within envelope. Failures yield no symptoms
// and the categorized error.
func (b *Bounded) Extract(ctx context.Context, envelope time.Duration, text, language string) ([]evidence.Symptom, error) {
	if b.extractor == nil {
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, envelope)
	defer cancel()

	type reply struct {
		symptoms []evidence.Symptom
		err      error
	}
	ch := make(chan reply, 1)
	go func() {
		s, err := b.extractor.Extract(cctx, text, language)
		ch <- reply{s, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-cctx.Done():
		r.err = cctx.Err()
	}

	if r.err == nil {
		return r.symptoms, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.logger.WarnContext(ctx, "symptom extraction failed", "envelope", envelope, "error", r.err)
	return nil, classifyError(cctx, r.err)
}

func classifyError(cctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrAdapterTimeout), errors.Is(err, context.DeadlineExceeded), cctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrAdapterTimeout, err)
	case errors.Is(err, ErrAdapterUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
}
