package paywall

import (
	"context"
	"time"

	cedros "github.com/cedros-pay/cedros-go"
)

// SubmitContext describes a payment about to be sent to the verify endpoint.
type SubmitContext struct {
	Ctx         context.Context
	Requirement cedros.PaymentRequirement
	Payload     cedros.PaymentPayload
	Timestamp   time.Time
}

// SubmitResultContext carries the outcome of a submission.
type SubmitResultContext struct {
	SubmitContext
	Result   cedros.PaymentResult
	Duration time.Duration
}

// BeforeHookResult aborts the submission with Reason when Abort is set.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSubmitHook runs before a payment is submitted. Returning Abort, or an
// error, skips the submission and fails the payment.
type BeforeSubmitHook func(SubmitContext) (*BeforeHookResult, error)

// AfterSubmitHook runs after a successful submission. Errors are logged only.
type AfterSubmitHook func(SubmitResultContext) error

// OnSubmitFailureHook runs after a failed submission. Errors are logged only.
type OnSubmitFailureHook func(SubmitResultContext) error

type submitHooks struct {
	before  []BeforeSubmitHook
	after   []AfterSubmitHook
	failure []OnSubmitFailureHook
}

// WithBeforeSubmitHook registers a hook run before each payment submission.
func WithBeforeSubmitHook(hook BeforeSubmitHook) Option {
	return func(o *options) {
		o.hooks.before = append(o.hooks.before, hook)
	}
}

// WithAfterSubmitHook registers a hook run after each successful submission.
func WithAfterSubmitHook(hook AfterSubmitHook) Option {
	return func(o *options) {
		o.hooks.after = append(o.hooks.after, hook)
	}
}

// WithOnSubmitFailureHook registers a hook run after each failed submission.
func WithOnSubmitFailureHook(hook OnSubmitFailureHook) Option {
	return func(o *options) {
		o.hooks.failure = append(o.hooks.failure, hook)
	}
}

// runBefore returns a non-nil error when a hook rejects the submission.
func (m *X402Manager) runBefore(sc SubmitContext) error {
	for _, hook := range m.hooks.before {
		res, err := hook(sc)
		if err != nil {
			return wrapLocal(cedros.ErrCodeInternalError, "before-submit hook failed: %v", err)
		}
		if res != nil && res.Abort {
			return cedros.NewPaymentError(cedros.ErrCodeInternalError, "payment aborted: "+res.Reason, nil)
		}
	}
	return nil
}

func (m *X402Manager) runAfter(sc SubmitContext, result cedros.PaymentResult) {
	rc := SubmitResultContext{
		SubmitContext: sc,
		Result:        result,
		Duration:      time.Since(sc.Timestamp),
	}
	if result.Success {
		for _, hook := range m.hooks.after {
			if err := hook(rc); err != nil {
				m.logger.Warn().Err(err).Msg("after-submit hook failed")
			}
		}
		return
	}
	for _, hook := range m.hooks.failure {
		if err := hook(rc); err != nil {
			m.logger.Warn().Err(err).Msg("submit-failure hook failed")
		}
	}
}
