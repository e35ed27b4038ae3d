package query

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/colinhiggs/japi/core/model"
)

// Transform converts the raw query-string value of a filter into the typed
// comparison value.
type Transform func(raw string, typ model.AttributeType) (interface{}, error)

// Operator is one registered filter comparator. Comparison is the
// store-facing comparator tag; the backing store decides how to render it.
type Operator struct {
	Name       string
	Comparison string
	Transform  Transform
}

var (
	operatorMu sync.RWMutex
	operators  = map[string]*Operator{}
	frozen     bool
)

// RegisterOperator adds a filter operator to the process-wide registry. It
// must be called at setup time, before any request is served; registration
// after Freeze panics.
func RegisterOperator(op *Operator) {
	operatorMu.Lock()
	defer operatorMu.Unlock()
	if frozen {
		panic(fmt.Sprintf("filter operator %q registered after setup", op.Name))
	}
	operators[op.Name] = op
}

// FreezeOperators marks the registry read-only. Called by the backend once
// construction finalizes.
func FreezeOperators() {
	operatorMu.Lock()
	frozen = true
	operatorMu.Unlock()
}

func lookupOperator(name string) (*Operator, bool) {
	operatorMu.RLock()
	defer operatorMu.RUnlock()
	op, ok := operators[name]
	return op, ok
}

func typedValue(raw string, typ model.AttributeType) (interface{}, error) {
	switch typ {
	case model.TypeString:
		return raw, nil
	case model.TypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return v, nil
	case model.TypeNumber:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return v, nil
	case model.TypeBoolean:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return v, nil
	case model.TypeTimestamp:
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			// date-only values are common in filters
			v, err = time.Parse("2006-01-02", raw)
		}
		if err != nil {
			return nil, fmt.Errorf("not a timestamp: %q", raw)
		}
		return v.UTC(), nil
	}
	return raw, nil
}

func stringOnly(raw string, typ model.AttributeType) (interface{}, error) {
	if typ != model.TypeString {
		return nil, fmt.Errorf("operator requires a string attribute")
	}
	return raw, nil
}

func init() {
	comparisons := map[string]string{
		"eq": "=", "ne": "<>",
		"lt": "<", "gt": ">",
		"le": "<=", "ge": ">=",
	}
	for name, cmp := range comparisons {
		RegisterOperator(&Operator{Name: name, Comparison: cmp, Transform: typedValue})
	}
	// like patterns use * as wildcard on the wire
	wildcard := func(raw string, typ model.AttributeType) (interface{}, error) {
		v, err := stringOnly(raw, typ)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(v.(string), "*", "%"), nil
	}
	RegisterOperator(&Operator{Name: "like", Comparison: "LIKE", Transform: wildcard})
	RegisterOperator(&Operator{Name: "ilike", Comparison: "ILIKE", Transform: wildcard})
	RegisterOperator(&Operator{Name: "startswith", Comparison: "LIKE",
		Transform: func(raw string, typ model.AttributeType) (interface{}, error) {
			v, err := stringOnly(raw, typ)
			if err != nil {
				return nil, err
			}
			return v.(string) + "%", nil
		}})
	RegisterOperator(&Operator{Name: "endswith", Comparison: "LIKE",
		Transform: func(raw string, typ model.AttributeType) (interface{}, error) {
			v, err := stringOnly(raw, typ)
			if err != nil {
				return nil, err
			}
			return "%" + v.(string), nil
		}})
	RegisterOperator(&Operator{Name: "contains", Comparison: "LIKE",
		Transform: func(raw string, typ model.AttributeType) (interface{}, error) {
			v, err := stringOnly(raw, typ)
			if err != nil {
				return nil, err
			}
			return "%" + v.(string) + "%", nil
		}})
}
