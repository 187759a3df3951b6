// Package apply replays events onto current-state rows.
//
// An Applicator is bound to one partition and lives inside apply.Run.
// Fresh ADDs are buffered as inserts, every other change is buffered as an
// update grouped by technical id, and Flush drains both: inserts first, then
// a fetch-modify-write pass over the updated rows. Illegal transitions fail
// with a *common.ConsistencyError.
package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// Store is the current-state table of one partition.
type Store interface {
	States(ctx context.Context, tids []string) (map[string]entity.State, error)
	Fetch(ctx context.Context, tids []string) (map[string]*entity.Row, error)
	InsertBatch(ctx context.Context, rows []*entity.Row) error
	Update(ctx context.Context, row *entity.Row) error
	BulkConfirm(ctx context.Context, confirms []event.Confirm, ts time.Time, eventID int64) (int64, error)
}

// Counts summarizes what an applicator did.
type Counts struct {
	Processed int `json:"processed"`
	Added     int `json:"added"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
	Confirmed int `json:"confirmed"`
	Skipped   int `json:"skipped"`
	Mutating  int `json:"mutating"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Processed += o.Processed
	c.Added += o.Added
	c.Modified += o.Modified
	c.Deleted += o.Deleted
	c.Confirmed += o.Confirmed
	c.Skipped += o.Skipped
	c.Mutating += o.Mutating
}

// rowState tracks a technical id as seen by this applicator, including
// changes still sitting in the buffers.
type rowState struct {
	exists    bool
	live      bool
	lastEvent int64
}

type Applicator struct {
	coll      *model.Collection
	partition common.Partition
	store     Store

	states map[string]*rowState
	lastID int64

	inserts   []*entity.Row
	inserted  map[string]struct{}
	updates   map[string][]*event.Event
	updateSeq []string

	counts Counts
}

// Run creates an applicator for the partition, passes it to fn and checks
// that fn drained the buffers. Nothing buffered is written unless fn calls
// Flush.
func Run(ctx context.Context, coll *model.Collection, p common.Partition, store Store, fn func(ctx context.Context, a *Applicator) error) (Counts, error) {
	a := &Applicator{
		coll:      coll,
		partition: p,
		store:     store,
		states:    make(map[string]*rowState),
		inserted:  make(map[string]struct{}),
		updates:   make(map[string][]*event.Event),
	}
	if err := fn(ctx, a); err != nil {
		return a.counts, err
	}
	if n := a.Pending(); n > 0 {
		return a.counts, fmt.Errorf("%s: %d pending rows: %w", p, n, common.ErrUndrainedBuffers)
	}
	return a.counts, nil
}

// Counts returns the running totals.
func (a *Applicator) Counts() Counts { return a.counts }

// Pending is the number of buffered inserts and updated rows.
func (a *Applicator) Pending() int { return len(a.inserts) + len(a.updateSeq) }

// Apply buffers events, which must belong to the partition and arrive in
// ascending id order.
func (a *Applicator) Apply(ctx context.Context, events []*event.Event) error {
	if err := a.preload(ctx, events); err != nil {
		return err
	}
	for _, e := range events {
		if e.Partition() != a.partition {
			return a.violation(e, fmt.Sprintf("event belongs to %s", e.Partition()))
		}
		if e.ID <= a.lastID {
			return a.violation(e, fmt.Sprintf("event out of order after %d", a.lastID))
		}
		if err := a.apply(ctx, e); err != nil {
			return err
		}
		a.lastID = e.ID
		a.counts.Processed++
	}
	return nil
}

// preload reads the state of technical ids not seen before.
func (a *Applicator) preload(ctx context.Context, events []*event.Event) error {
	var tids []string
	seen := make(map[string]struct{})
	for _, e := range events {
		if e.Tid == "" {
			continue
		}
		if _, ok := a.states[e.Tid]; ok {
			continue
		}
		if _, ok := seen[e.Tid]; ok {
			continue
		}
		seen[e.Tid] = struct{}{}
		tids = append(tids, e.Tid)
	}
	if len(tids) == 0 {
		return nil
	}
	states, err := a.store.States(ctx, tids)
	if err != nil {
		return fmt.Errorf("load states of %s: %w", a.partition, err)
	}
	for _, tid := range tids {
		st, ok := states[tid]
		if !ok {
			a.states[tid] = &rowState{}
			continue
		}
		a.states[tid] = &rowState{exists: true, live: !st.Deleted, lastEvent: st.LastEvent}
	}
	return nil
}

func (a *Applicator) apply(ctx context.Context, e *event.Event) error {
	if e.Action == event.ActionBulkConfirm {
		return a.bulkConfirm(ctx, e)
	}
	if e.Tid == "" {
		return a.violation(e, "event has no technical id")
	}
	st := a.states[e.Tid]

	switch e.Action {
	case event.ActionAdd:
		if st.exists && st.live {
			return a.violation(e, "ADD on a live row")
		}
		if st.exists && st.lastEvent >= e.ID {
			a.counts.Skipped++
			return nil
		}
		if !st.exists {
			row, err := a.newRow(e)
			if err != nil {
				return err
			}
			a.inserts = append(a.inserts, row)
			a.inserted[e.Tid] = struct{}{}
		} else if err := a.bufferUpdate(ctx, e); err != nil {
			return err
		}
		*st = rowState{exists: true, live: true, lastEvent: e.ID}
		a.counts.Added++
		a.counts.Mutating++
		return nil

	case event.ActionModify, event.ActionDelete, event.ActionConfirm:
		if !st.exists {
			return a.violation(e, fmt.Sprintf("%s on a missing row", e.Action))
		}
		if st.lastEvent >= e.ID {
			a.counts.Skipped++
			return nil
		}
		if !st.live {
			return a.violation(e, fmt.Sprintf("%s on a deleted row", e.Action))
		}
		if err := a.bufferUpdate(ctx, e); err != nil {
			return err
		}
		st.lastEvent = e.ID
		switch e.Action {
		case event.ActionModify:
			a.counts.Modified++
			a.counts.Mutating++
		case event.ActionDelete:
			st.live = false
			a.counts.Deleted++
			a.counts.Mutating++
		default:
			a.counts.Confirmed++
		}
		return nil

	default:
		return a.violation(e, fmt.Sprintf("unknown action %q", e.Action))
	}
}

// bufferUpdate queues e for the fetch-modify-write pass. A row still in the
// insert buffer is written first so the update finds it.
func (a *Applicator) bufferUpdate(ctx context.Context, e *event.Event) error {
	if _, ok := a.inserted[e.Tid]; ok {
		if err := a.flushInserts(ctx); err != nil {
			return err
		}
	}
	if _, ok := a.updates[e.Tid]; !ok {
		a.updateSeq = append(a.updateSeq, e.Tid)
	}
	a.updates[e.Tid] = append(a.updates[e.Tid], e)
	return nil
}

// bulkConfirm drains the buffers and confirms in one set-based update.
// Rows changed since the confirmation was computed are left alone.
func (a *Applicator) bulkConfirm(ctx context.Context, e *event.Event) error {
	if err := a.Flush(ctx); err != nil {
		return err
	}
	payload, err := e.Payload()
	if err != nil {
		return a.violation(e, err.Error())
	}
	confirms := payload.(*event.BulkConfirmPayload).Confirms
	n, err := a.store.BulkConfirm(ctx, confirms, e.Timestamp, e.ID)
	if err != nil {
		return fmt.Errorf("bulk confirm event %d in %s: %w", e.ID, a.partition, err)
	}
	a.counts.Confirmed += int(n)
	a.counts.Skipped += len(confirms) - int(n)
	return nil
}

// Flush writes buffered inserts, then buffered updates.
func (a *Applicator) Flush(ctx context.Context) error {
	if err := a.flushInserts(ctx); err != nil {
		return err
	}
	return a.flushUpdates(ctx)
}

func (a *Applicator) flushInserts(ctx context.Context) error {
	if len(a.inserts) == 0 {
		return nil
	}
	if err := a.store.InsertBatch(ctx, a.inserts); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(a.inserts), a.partition, err)
	}
	a.inserts = nil
	a.inserted = make(map[string]struct{})
	return nil
}

func (a *Applicator) flushUpdates(ctx context.Context) error {
	if len(a.updateSeq) == 0 {
		return nil
	}
	rows, err := a.store.Fetch(ctx, a.updateSeq)
	if err != nil {
		return fmt.Errorf("fetch %d rows of %s: %w", len(a.updateSeq), a.partition, err)
	}
	for _, tid := range a.updateSeq {
		row, ok := rows[tid]
		if !ok {
			return a.violation(a.updates[tid][0], "row vanished before update")
		}
		for _, e := range a.updates[tid] {
			if err := a.transition(row, e); err != nil {
				return err
			}
		}
		if err := a.store.Update(ctx, row); err != nil {
			return fmt.Errorf("update %s in %s: %w", tid, a.partition, err)
		}
	}
	a.updates = make(map[string][]*event.Event)
	a.updateSeq = nil
	return nil
}

// transition mutates a fetched row according to e.
func (a *Applicator) transition(row *entity.Row, e *event.Event) error {
	ts := e.Timestamp
	switch e.Action {
	case event.ActionAdd:
		fresh, err := a.newRow(e)
		if err != nil {
			return err
		}
		row.ID, row.SourceID, row.Version, row.Hash = fresh.ID, fresh.SourceID, fresh.Version, fresh.Hash
		row.Attrs = fresh.Attrs
		row.DateCreated = &ts
		row.DateConfirmed, row.DateModified, row.DateDeleted = nil, nil, nil

	case event.ActionModify:
		payload, err := e.Payload()
		if err != nil {
			return a.violation(e, err.Error())
		}
		mod := payload.(*event.ModifyPayload)
		for _, m := range mod.Modifications {
			attr, ok := a.coll.Attribute(m.Key)
			if !ok {
				return a.violation(e, fmt.Sprintf("modification of undeclared field %q", m.Key))
			}
			old, err := model.Normalize(attr.Type, m.OldValue)
			if err != nil {
				return a.violation(e, fmt.Sprintf("old value of %q: %v", m.Key, err))
			}
			if !model.Equal(row.Get(m.Key), old) {
				return a.violation(e, fmt.Sprintf("old value of %q does not match current value", m.Key))
			}
			if err := row.Set(a.coll, m.Key, m.NewValue); err != nil {
				return a.violation(e, err.Error())
			}
		}
		row.Hash = mod.Hash
		row.DateModified = &ts

	case event.ActionDelete:
		row.DateDeleted = &ts

	case event.ActionConfirm:
		row.DateConfirmed = &ts
	}
	row.LastEvent = e.ID
	return nil
}

// newRow decodes the record of an ADD event into a row of the partition.
func (a *Applicator) newRow(e *event.Event) (*entity.Row, error) {
	payload, err := e.Payload()
	if err != nil {
		return nil, a.violation(e, err.Error())
	}
	row, err := entity.FromRecord(a.coll, payload.(*event.AddPayload).Entity)
	if err != nil {
		return nil, a.violation(e, err.Error())
	}
	if row.Tid == "" {
		row.Tid = e.Tid
	}
	if row.Tid != e.Tid {
		return nil, a.violation(e, fmt.Sprintf("record tid %q differs from event tid", row.Tid))
	}
	ts := e.Timestamp
	row.Source = e.Source
	row.LastEvent = e.ID
	row.DateCreated = &ts
	return row, nil
}

func (a *Applicator) violation(e *event.Event, reason string) error {
	return &common.ConsistencyError{
		Partition: a.partition,
		Tid:       e.Tid,
		EventID:   e.ID,
		Reason:    reason,
		Processed: a.counts.Processed,
	}
}
