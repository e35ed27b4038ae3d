package access

import (
	"context"

	"github.com/colinhiggs/japi/core"
)

// Permit grants a role a set of operations on one resource type. Attributes
// and Relationships narrow the grant to named fields; leaving them empty
// grants the whole resource. The special role "everybody" applies to all
// requests, authorized or not.
type Permit struct {
	Role          string           `json:"role"`
	Resource      string           `json:"resource"`
	Operations    []core.Operation `json:"operations"`
	Attributes    []string         `json:"attributes,omitempty"`
	Relationships []string         `json:"relationships,omitempty"`
}

func (p Permit) grants(op core.Operation) bool {
	for _, granted := range p.Operations {
		if granted == op {
			return true
		}
	}
	return false
}

func (p Permit) mask() Mask {
	if len(p.Attributes) == 0 && len(p.Relationships) == 0 {
		return AllowAll()
	}
	return Allow(p.Attributes, p.Relationships)
}

type permitKey struct {
	role     string
	resource string
}

// PermitEvaluator derives masks from a static permit table and the roles in
// the request's authorization. A request with no matching permit is denied.
// The "admin" role is always authorized.
type PermitEvaluator struct {
	permits map[permitKey][]Permit
}

// NewPermitEvaluator indexes the permit table. The result is immutable and
// safe for concurrent use.
func NewPermitEvaluator(permits []Permit) *PermitEvaluator {
	index := make(map[permitKey][]Permit)
	for _, p := range permits {
		k := permitKey{role: p.Role, resource: p.Resource}
		index[k] = append(index[k], p)
	}
	return &PermitEvaluator{permits: index}
}

// Evaluate implements Evaluator. Masks from all matching permits are unioned
// and then intersected with prior, so chained evaluators can only narrow.
func (e *PermitEvaluator) Evaluate(ctx context.Context, target Target,
	op core.Operation, prior Mask, stage string) Mask {

	auth := AuthorizationFromContext(ctx)
	if auth.HasRole("admin") {
		return prior
	}

	roles := append([]string{"everybody"}, auth.roles()...)
	granted := Deny()
	for _, role := range roles {
		for _, p := range e.permits[permitKey{role: role, resource: target.TypeName()}] {
			if !p.grants(op) {
				continue
			}
			granted = granted.Or(p.mask())
		}
	}
	return granted.And(prior)
}

func (a *Authorization) roles() []string {
	if a == nil {
		return nil
	}
	return a.Roles
}
