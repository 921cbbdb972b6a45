package core

import (
	"fmt"

	"erpcore/pkg/schema"
)

// LinkOp selects how a relational assignment combines with the existing
// link set.
type LinkOp int

const (
	// LinkReplace swaps the full link set for the given targets.
	LinkReplace LinkOp = iota
	// LinkAdd links the targets, keeping existing links.
	LinkAdd
	// LinkRemove unlinks the targets, keeping the rest.
	LinkRemove
)

// LinkCommand is the value form one-to-many and many-to-many fields accept
// in Create and Write.
type LinkCommand struct {
	Op  LinkOp
	IDs []int64
}

// Replace builds a command that swaps the link set for ids.
func Replace(ids ...int64) LinkCommand { return LinkCommand{Op: LinkReplace, IDs: ids} }

// Add builds a command that links ids on top of the existing set.
func Add(ids ...int64) LinkCommand { return LinkCommand{Op: LinkAdd, IDs: ids} }

// Remove builds a command that unlinks ids.
func Remove(ids ...int64) LinkCommand { return LinkCommand{Op: LinkRemove, IDs: ids} }

func asLinkCommand(model string, f schema.Field, v any) (LinkCommand, error) {
	switch cmd := v.(type) {
	case nil:
		return Replace(), nil
	case LinkCommand:
		return cmd, nil
	case []int64:
		return Replace(cmd...), nil
	case []int:
		ids := make([]int64, len(cmd))
		for i, id := range cmd {
			ids[i] = int64(id)
		}
		return Replace(ids...), nil
	case *RecordSet:
		if cmd == nil {
			return Replace(), nil
		}
		if cmd.ModelName() != f.Target {
			return LinkCommand{}, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected %s records, got %s", f.Target, cmd.ModelName())}
		}
		return Replace(cmd.IDs()...), nil
	default:
		return LinkCommand{}, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected link command or id slice, got %T", v)}
	}
}
