// Package entity holds the typed current-state row shared by the
// comparator, the applicator and the entities repository.
package entity

import (
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// Row is one current-state row: the bookkeeping columns plus the
// collection attributes keyed by validated attribute name.
type Row struct {
	ID        string
	Tid       string
	Source    string
	SourceID  string
	Version   string
	Hash      string
	LastEvent int64

	DateCreated   *time.Time
	DateConfirmed *time.Time
	DateModified  *time.Time
	DateDeleted   *time.Time

	Attrs map[string]any
}

// Live reports whether the row is not soft-deleted.
func (r *Row) Live() bool { return r.DateDeleted == nil }

// Get returns the canonical value of an attribute, nil when unset.
func (r *Row) Get(name string) any { return r.Attrs[name] }

// Set normalizes v against the declared type of name and stores it.
// Unknown attribute names are rejected.
func (r *Row) Set(coll *model.Collection, name string, v any) error {
	attr, ok := coll.Attribute(name)
	if !ok {
		return common.Invalid(name, "attribute not declared in %s", coll)
	}
	n, err := model.Normalize(attr.Type, v)
	if err != nil {
		return common.Invalid(name, "%v", err)
	}
	if r.Attrs == nil {
		r.Attrs = make(map[string]any, len(coll.Attributes))
	}
	r.Attrs[name] = n
	return nil
}

// Clone returns a deep enough copy for independent mutation of
// bookkeeping fields and attribute assignments.
func (r *Row) Clone() *Row {
	c := *r
	c.Attrs = make(map[string]any, len(r.Attrs))
	for k, v := range r.Attrs {
		c.Attrs[k] = v
	}
	return &c
}

// Record renders the row as the flat map carried by ADD events: declared
// attributes plus the functional bookkeeping fields.
func (r *Row) Record() map[string]any {
	m := make(map[string]any, len(r.Attrs)+5)
	for k, v := range r.Attrs {
		m[k] = v
	}
	m[common.FieldID] = r.ID
	m[common.FieldTid] = r.Tid
	m[common.FieldSourceID] = r.SourceID
	m[common.FieldVersion] = r.Version
	m[common.FieldHash] = r.Hash
	return m
}

// bookkeeping keys accepted by FromRecord besides declared attributes.
var recordFields = map[string]struct{}{
	common.FieldID:       {},
	common.FieldTid:      {},
	common.FieldSourceID: {},
	common.FieldVersion:  {},
	common.FieldHash:     {},
}

// FromRecord builds a row from a flat record as produced by Record. Every
// declared attribute is present in the result; keys that are neither
// declared nor bookkeeping fields are rejected.
func FromRecord(coll *model.Collection, rec map[string]any) (*Row, error) {
	r := &Row{Attrs: make(map[string]any, len(coll.Attributes))}
	for _, a := range coll.Attributes {
		r.Attrs[a.Name] = nil
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := rec[k]
		if _, ok := recordFields[k]; ok {
			s, err := str(k, v)
			if err != nil {
				return nil, err
			}
			switch k {
			case common.FieldID:
				r.ID = s
			case common.FieldTid:
				r.Tid = s
			case common.FieldSourceID:
				r.SourceID = s
			case common.FieldVersion:
				r.Version = s
			case common.FieldHash:
				r.Hash = s
			}
			continue
		}
		if err := r.Set(coll, k, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func str(field string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return "", common.Invalid(field, "expected a string, got %T", v)
	}
}

// State is the lightweight per-row information the applicator preloads to
// validate transitions without fetching full rows.
type State struct {
	LastEvent int64
	Deleted   bool
}

func (s State) String() string {
	return fmt.Sprintf("last_event=%d deleted=%t", s.LastEvent, s.Deleted)
}
