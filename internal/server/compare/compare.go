// Package compare classifies a delivery against the current state of a
// collection. It is pure: it reads the snapshot it is given and never
// touches storage.
package compare

import (
	"fmt"
	"sort"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// Mode is the deletion policy of a delivery.
type Mode string

const (
	// ModeFull treats the delivery as the complete set: live rows that are
	// not delivered are deleted.
	ModeFull Mode = "full"
	// ModePartial leaves rows that are not delivered untouched.
	ModePartial Mode = "partial"
	// ModeDelete treats every delivered record as a deletion request.
	ModeDelete Mode = "delete"
)

// ParseMode validates a mode name. The empty string means ModeFull.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeFull, nil
	case ModeFull, ModePartial, ModeDelete:
		return m, nil
	default:
		return "", common.Invalid("mode", "unknown mode %q", s)
	}
}

// Modify is a changed row.
type Modify struct {
	Tid           string
	SourceID      string
	Hash          string
	Modifications []event.Modification
}

// Ref names an existing row.
type Ref struct {
	Tid      string
	SourceID string
}

// Confirm is an unchanged live row.
type Confirm struct {
	Tid       string
	SourceID  string
	LastEvent int64
}

// Result holds exactly one classification per technical id found in either
// the current state or the delivery.
type Result struct {
	Adds     []*entity.Row
	Modifies []Modify
	Deletes  []Ref
	Confirms []Confirm
	Skips    []string
}

// Total is the number of classified technical ids.
func (r *Result) Total() int {
	return len(r.Adds) + len(r.Modifies) + len(r.Deletes) + len(r.Confirms) + len(r.Skips)
}

// Compare outer-joins current and incoming on technical id. current may hold
// deleted rows; incoming must not repeat a technical id.
func Compare(coll *model.Collection, current []*entity.Row, incoming []*entity.Row, mode Mode) (*Result, error) {
	byTid := make(map[string]*entity.Row, len(current))
	for _, r := range current {
		byTid[r.Tid] = r
	}

	res := &Result{}
	delivered := make(map[string]struct{}, len(incoming))
	for _, in := range incoming {
		if _, dup := delivered[in.Tid]; dup {
			return nil, common.Invalid(common.FieldTid, "technical id %q delivered twice", in.Tid)
		}
		delivered[in.Tid] = struct{}{}
		cur, exists := byTid[in.Tid]

		if mode == ModeDelete {
			if exists && cur.Live() {
				res.Deletes = append(res.Deletes, Ref{Tid: cur.Tid, SourceID: cur.SourceID})
			} else {
				res.Skips = append(res.Skips, in.Tid)
			}
			continue
		}

		switch {
		case !exists || !cur.Live():
			res.Adds = append(res.Adds, in)
		case cur.Hash == in.Hash:
			res.Confirms = append(res.Confirms, Confirm{Tid: cur.Tid, SourceID: cur.SourceID, LastEvent: cur.LastEvent})
		default:
			res.Modifies = append(res.Modifies, Modify{
				Tid:           cur.Tid,
				SourceID:      cur.SourceID,
				Hash:          in.Hash,
				Modifications: Modifications(coll, cur, in),
			})
		}
	}

	for _, cur := range current {
		if _, ok := delivered[cur.Tid]; ok {
			continue
		}
		if mode == ModeFull && cur.Live() {
			res.Deletes = append(res.Deletes, Ref{Tid: cur.Tid, SourceID: cur.SourceID})
			continue
		}
		res.Skips = append(res.Skips, cur.Tid)
	}

	res.sort()
	return res, nil
}

// Modifications compares the declared attributes of two rows, in
// declaration order. Bookkeeping fields are never compared.
func Modifications(coll *model.Collection, cur, in *entity.Row) []event.Modification {
	var mods []event.Modification
	for _, a := range coll.Attributes {
		oldV, newV := cur.Get(a.Name), in.Get(a.Name)
		if model.Equal(oldV, newV) {
			continue
		}
		mods = append(mods, event.Modification{Key: a.Name, OldValue: oldV, NewValue: newV})
	}
	return mods
}

func (r *Result) sort() {
	sort.Slice(r.Adds, func(i, j int) bool { return r.Adds[i].Tid < r.Adds[j].Tid })
	sort.Slice(r.Modifies, func(i, j int) bool { return r.Modifies[i].Tid < r.Modifies[j].Tid })
	sort.Slice(r.Deletes, func(i, j int) bool { return r.Deletes[i].Tid < r.Deletes[j].Tid })
	sort.Slice(r.Confirms, func(i, j int) bool { return r.Confirms[i].Tid < r.Confirms[j].Tid })
	sort.Strings(r.Skips)
}

// Events renders the result as log events: ADDs, MODIFYs and DELETEs first,
// then confirmations packed into BULKCONFIRM events of at most chunk
// entries. A group holding a single confirmation becomes a CONFIRM event.
func (r *Result) Events(h event.Header, chunk int) ([]*event.Event, error) {
	if chunk <= 0 {
		chunk = common.DefaultChunkSize
	}
	events := make([]*event.Event, 0, len(r.Adds)+len(r.Modifies)+len(r.Deletes)+len(r.Confirms)/chunk+1)
	add := func(action event.Action, sourceID, tid string, payload any) error {
		e, err := event.New(h, action, sourceID, tid, payload)
		if err != nil {
			return fmt.Errorf("build %s event for %s: %w", action, tid, err)
		}
		events = append(events, e)
		return nil
	}

	for _, row := range r.Adds {
		if err := add(event.ActionAdd, row.SourceID, row.Tid, event.AddPayload{Entity: row.Record()}); err != nil {
			return nil, err
		}
	}
	for _, m := range r.Modifies {
		p := event.ModifyPayload{Tid: m.Tid, Hash: m.Hash, Modifications: m.Modifications}
		if err := add(event.ActionModify, m.SourceID, m.Tid, p); err != nil {
			return nil, err
		}
	}
	for _, d := range r.Deletes {
		if err := add(event.ActionDelete, d.SourceID, d.Tid, event.DeletePayload{Tid: d.Tid}); err != nil {
			return nil, err
		}
	}

	for start := 0; start < len(r.Confirms); start += chunk {
		group := r.Confirms[start:min(start+chunk, len(r.Confirms))]
		if len(group) == 1 {
			c := group[0]
			if err := add(event.ActionConfirm, c.SourceID, c.Tid, event.ConfirmPayload{Tid: c.Tid}); err != nil {
				return nil, err
			}
			continue
		}
		confirms := make([]event.Confirm, len(group))
		for i, c := range group {
			confirms[i] = event.Confirm{SourceID: c.SourceID, LastEvent: c.LastEvent}
		}
		if err := add(event.ActionBulkConfirm, "", "", event.BulkConfirmPayload{Confirms: confirms}); err != nil {
			return nil, err
		}
	}
	return events, nil
}
