package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation is one resource operation sought by a request, one of
// Get, List, Create, Update, Delete.
type Operation string

// all supported resource operations
const (
	OperationGet    Operation = "get"
	OperationList   Operation = "list"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationGet, OperationList, OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}

// Notifier is an interface to receive change notifications for
// committed write operations.
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}