package access

import (
	"context"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/api"
)

// TargetKind names the variant of an evaluation target.
type TargetKind int

// the closed set of target variants an evaluator can be asked about
const (
	// TargetResource carries a full or partial resource document.
	TargetResource TargetKind = iota
	// TargetIdentifier carries only a (type, id) pair. Used for the cheap
	// per-identifier checks of the read cascade.
	TargetIdentifier
	// TargetLinkage carries a relationship linkage change.
	TargetLinkage
)

// LinkageChange describes one sought change to a relationship's linkage.
type LinkageChange struct {
	Source       api.Identifier
	Relationship string
	Added        []api.Identifier
	Removed      []api.Identifier
}

// Target is the subject of one permission evaluation. Exactly one of the
// payload fields is set, according to Kind.
type Target struct {
	Kind       TargetKind
	Resource   *api.Resource
	Identifier *api.Identifier
	Linkage    *LinkageChange
}

// ResourceTarget wraps a resource document as an evaluation target.
func ResourceTarget(res *api.Resource) Target {
	return Target{Kind: TargetResource, Resource: res}
}

// IdentifierTarget wraps an identifier as an evaluation target.
func IdentifierTarget(id api.Identifier) Target {
	return Target{Kind: TargetIdentifier, Identifier: &id}
}

// LinkageTarget wraps a linkage change as an evaluation target.
func LinkageTarget(change LinkageChange) Target {
	return Target{Kind: TargetLinkage, Linkage: &change}
}

// TypeName returns the resource type the target belongs to.
func (t Target) TypeName() string {
	switch t.Kind {
	case TargetResource:
		return t.Resource.Type
	case TargetIdentifier:
		return t.Identifier.Type
	case TargetLinkage:
		return t.Linkage.Source.Type
	}
	return ""
}

// Evaluator decides permissions. Implementations must be safe for concurrent
// use; they are shared across all request pipelines.
//
// The prior mask is the verdict of previous evaluations for the same target;
// implementations are expected to return a mask no wider than prior.
type Evaluator interface {
	Evaluate(ctx context.Context, target Target, op core.Operation, prior Mask, stage string) Mask
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, target Target, op core.Operation, prior Mask, stage string) Mask

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, target Target, op core.Operation, prior Mask, stage string) Mask {
	return f(ctx, target, op, prior, stage)
}

// AllowAllEvaluator is the default evaluator: it grants the prior mask
// unconditionally.
func AllowAllEvaluator() Evaluator {
	return EvaluatorFunc(func(ctx context.Context, target Target, op core.Operation, prior Mask, stage string) Mask {
		return prior
	})
}

// Chain composes evaluators; each one receives the previous verdict as its
// prior mask, so the result is monotonically non-widening.
func Chain(evaluators ...Evaluator) Evaluator {
	return EvaluatorFunc(func(ctx context.Context, target Target, op core.Operation, prior Mask, stage string) Mask {
		mask := prior
		for _, e := range evaluators {
			mask = e.Evaluate(ctx, target, op, mask, stage).And(mask)
		}
		return mask
	})
}
