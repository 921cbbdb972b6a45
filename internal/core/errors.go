package core

import (
	"fmt"
	"strings"
)

// TxStatus tracks a transaction through its lifecycle. Environments expose
// the status of their most recent write transaction.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxValidating TxStatus = "VALIDATING"
	TxCommitted  TxStatus = "COMMITTED"
	TxRejected   TxStatus = "REJECTED"
)

// ValidationError reports a declared constraint rejecting a write.
type ValidationError struct {
	Model      string
	Constraint string
	Message    string
	IDs        []int64
}

func (e ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("validation %s failed on %s", e.Constraint, e.Model)
	}
	return fmt.Sprintf("validation %s failed on %s: %s", e.Constraint, e.Model, e.Message)
}

// IntegrityError reports a delete blocked by a restricting reference.
type IntegrityError struct {
	Model    string
	IDs      []int64
	RefModel string
	RefField string
}

func (e IntegrityError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("cannot delete %s [%s]: referenced by %s.%s", e.Model, strings.Join(ids, ","), e.RefModel, e.RefField)
}

// MissingRecordError reports ids that resolve to no stored row.
type MissingRecordError struct {
	Model string
	IDs   []int64
}

func (e MissingRecordError) Error() string {
	return fmt.Sprintf("%s: %d record(s) not found", e.Model, len(e.IDs))
}

// FieldAccessError reports a read or write against a field that does not
// admit it.
type FieldAccessError struct {
	Model  string
	Field  string
	Reason string
}

func (e FieldAccessError) Error() string {
	return fmt.Sprintf("field %s.%s: %s", e.Model, e.Field, e.Reason)
}
