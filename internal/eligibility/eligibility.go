// ABOUTME: Resolves which operators may be notified about conversations
// ABOUTME: Active human operators holding the conversation access capability

package eligibility

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/2389/switchboard/internal/store"
)

// OperatorLister is the storage the resolver reads
type OperatorLister interface {
	ListOperators(ctx context.Context) ([]*store.Operator, error)
}

// Resolver recomputes eligibility on every call.
type Resolver struct {
	operators OperatorLister
}

// New creates a resolver
func New(operators OperatorLister) *Resolver {
	return &Resolver{operators: operators}
}

// Eligible returns every operator allowed to receive conversation
// notifications. The assistant identity is never eligible.
func (r *Resolver) Eligible(ctx context.Context) ([]*store.Operator, error) {
	all, err := r.operators.ListOperators(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing operators: %w", err)
	}
	return lo.Filter(all, func(o *store.Operator, _ int) bool {
		return IsEligible(o)
	}), nil
}

// EligibleIDs is Eligible reduced to operator ids
func (r *Resolver) EligibleIDs(ctx context.Context) ([]string, error) {
	ops, err := r.Eligible(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(ops, func(o *store.Operator, _ int) string { return o.ID }), nil
}

// IsEligible applies the rule to a single operator
func IsEligible(o *store.Operator) bool {
	return o != nil &&
		o.Active &&
		o.Kind != store.OperatorAssistant &&
		o.Can(store.CapabilityConversationAccess)
}
