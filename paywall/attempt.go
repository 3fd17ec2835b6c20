package paywall

import (
	"errors"
	"fmt"
	"sync"

	cedros "github.com/cedros-pay/cedros-go"
)

// AttemptState is the lifecycle of one x402 payment attempt.
type AttemptState int

const (
	AttemptIdle AttemptState = iota
	AttemptQuoteRequested
	AttemptQuoteReceived
	AttemptSubmitting
	AttemptSettled
	AttemptFailed
)

func (s AttemptState) String() string {
	switch s {
	case AttemptIdle:
		return "idle"
	case AttemptQuoteRequested:
		return "quote_requested"
	case AttemptQuoteReceived:
		return "quote_received"
	case AttemptSubmitting:
		return "submitting"
	case AttemptSettled:
		return "settled"
	case AttemptFailed:
		return "failed"
	default:
		return fmt.Sprintf("AttemptState(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s AttemptState) Terminal() bool {
	return s == AttemptSettled || s == AttemptFailed
}

// ErrInvalidTransition is returned when an attempt is moved out of order.
var ErrInvalidTransition = errors.New("invalid payment attempt transition")

var allowedTransitions = map[AttemptState][]AttemptState{
	AttemptIdle:           {AttemptQuoteRequested},
	AttemptQuoteRequested: {AttemptQuoteReceived, AttemptFailed},
	AttemptQuoteReceived:  {AttemptSubmitting, AttemptFailed},
	AttemptSubmitting:     {AttemptSettled, AttemptFailed},
}

// Attempt tracks one payment attempt. Quote always completes before submit.
type Attempt struct {
	mu          sync.Mutex
	state       AttemptState
	requirement *cedros.PaymentRequirement
	cartID      string
	flow        PaymentFlow
	result      cedros.PaymentResult
}

// NewAttempt returns an idle attempt.
func NewAttempt() *Attempt {
	return &Attempt{state: AttemptIdle}
}

// State returns the current state.
func (a *Attempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Requirement returns the quoted requirement, or nil before a quote arrived.
func (a *Attempt) Requirement() *cedros.PaymentRequirement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requirement
}

// CartID returns the cart identifier for cart attempts.
func (a *Attempt) CartID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cartID
}

// Flow returns the flow selected for submission, or nil before selection.
func (a *Attempt) Flow() PaymentFlow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flow
}

// Result returns the outcome once the attempt is terminal.
func (a *Attempt) Result() cedros.PaymentResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

func (a *Attempt) transition(to AttemptState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(to)
}

func (a *Attempt) transitionLocked(to AttemptState) error {
	for _, next := range allowedTransitions[a.state] {
		if next == to {
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
}

func (a *Attempt) quoted(req cedros.PaymentRequirement, cartID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transitionLocked(AttemptQuoteReceived); err != nil {
		return err
	}
	a.requirement = &req
	a.cartID = cartID
	return nil
}

func (a *Attempt) submitting(flow PaymentFlow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transitionLocked(AttemptSubmitting); err != nil {
		return err
	}
	a.flow = flow
	return nil
}

// finish moves the attempt to Settled or Failed according to res.
func (a *Attempt) finish(res cedros.PaymentResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	to := AttemptFailed
	if res.Success {
		to = AttemptSettled
	}
	if err := a.transitionLocked(to); err != nil {
		return err
	}
	a.result = res
	return nil
}
