package sqlite

import (
	"context"
	"fmt"

	"github.com/rbaliyan/convstore/store"
)

type op int

const (
	opInsert op = iota + 1
	opUpdate
	opDelete
)

func (o op) String() string {
	switch o {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// record is a row of one of the message relations: *simpleRow, *richRow
// or *partRow.
type record interface {
	threadID() int64
}

type simpleRow struct{ *store.SimpleMessage }

func (r *simpleRow) threadID() int64 { return r.ThreadID }

type richRow struct{ *store.RichMessage }

func (r *richRow) threadID() int64 { return r.ThreadID }

type partRow struct {
	*store.Part
	thread int64
	// cascade marks parts removed or added together with their header.
	// The header change recomputes the thread once for all of them.
	cascade bool
}

func (r *partRow) threadID() int64 { return r.thread }

// change is one row level mutation. old is nil for inserts and new is nil
// for deletes.
type change struct {
	op  op
	old record
	new record
}

// subject returns the row the change is about.
func (c change) subject() record {
	if c.new != nil {
		return c.new
	}
	return c.old
}

// threads returns the distinct thread ids the change touches.
func (c change) threads() []int64 {
	var ids []int64
	if c.old != nil && c.old.threadID() != 0 {
		ids = append(ids, c.old.threadID())
	}
	if c.new != nil && c.new.threadID() != 0 && (len(ids) == 0 || ids[0] != c.new.threadID()) {
		ids = append(ids, c.new.threadID())
	}
	return ids
}

// maintainer brings one kind of derived state in line with a change.
type maintainer interface {
	name() string
	apply(ctx context.Context, tx *wtx, c change) error
}

// pipeline runs the maintainers in their fixed order.
type pipeline struct {
	maintainers []maintainer
}

func newPipeline() *pipeline {
	return &pipeline{maintainers: []maintainer{
		threadMaintainer{},
		indexMaintainer{},
		pendingMaintainer{},
		orphanReclaimer{},
	}}
}

func (p *pipeline) run(ctx context.Context, tx *wtx, c change) error {
	for _, m := range p.maintainers {
		if err := m.apply(ctx, tx, c); err != nil {
			return fmt.Errorf("%s maintainer on %s: %w", m.name(), c.op, err)
		}
	}
	return nil
}
