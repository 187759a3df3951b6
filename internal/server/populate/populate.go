// Package populate turns raw delivered records into rows carrying their
// functional id, technical id, version and content hash.
package populate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// Record is one delivered record. Raw holds the values as delivered;
// Enrichers may add or rewrite entries before population.
type Record struct {
	Raw map[string]any
	Row *entity.Row
}

// Enricher is a hook run on every record before ids and hashes are derived.
// Geometry unions and auto-generated identifiers are supplied this way.
type Enricher interface {
	Enrich(ctx context.Context, rec *Record) error
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, rec *Record) error

func (f EnricherFunc) Enrich(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// Chain runs enrichers in order, stopping at the first error.
type Chain []Enricher

func (c Chain) Enrich(ctx context.Context, rec *Record) error {
	for _, e := range c {
		if err := e.Enrich(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Populator derives bookkeeping fields for one collection.
type Populator struct {
	coll     *model.Collection
	enricher Enricher
}

// New returns a Populator. enricher may be nil.
func New(coll *model.Collection, enricher Enricher) *Populator {
	if enricher == nil {
		enricher = Chain(nil)
	}
	return &Populator{coll: coll, enricher: enricher}
}

// Populate enriches raw records and builds their rows. A record without a
// functional id, an undeclared attribute, or a technical id delivered twice
// fails the whole delivery.
func (p *Populator) Populate(ctx context.Context, raw []map[string]any) ([]*Record, error) {
	out := make([]*Record, 0, len(raw))
	seen := make(map[string]int, len(raw))
	for i, values := range raw {
		rec := &Record{Raw: values}
		if err := p.enricher.Enrich(ctx, rec); err != nil {
			return nil, fmt.Errorf("enrich record %d: %w", i, err)
		}
		row, err := p.row(rec.Raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if prev, dup := seen[row.Tid]; dup {
			return nil, common.Invalid(common.FieldTid, "records %d and %d share technical id %q", prev, i, row.Tid)
		}
		seen[row.Tid] = i
		rec.Row = row
		out = append(out, rec)
	}
	return out, nil
}

func (p *Populator) row(values map[string]any) (*entity.Row, error) {
	r := &entity.Row{Attrs: make(map[string]any, len(p.coll.Attributes))}
	for _, a := range p.coll.Attributes {
		r.Attrs[a.Name] = nil
	}
	for k, v := range values {
		if err := r.Set(p.coll, k, v); err != nil {
			return nil, err
		}
	}

	id := r.Get(p.coll.EntityID)
	if id == nil || id == "" {
		return nil, common.Invalid(p.coll.EntityID, "missing functional id")
	}
	r.ID = fmt.Sprint(id)
	r.Tid = r.ID
	if p.coll.HasStates {
		seq := r.Get(common.FieldSequenceNumber)
		if seq == nil {
			return nil, common.Invalid(common.FieldSequenceNumber, "missing sequence number for %s", r.ID)
		}
		r.Tid = fmt.Sprintf("%s.%v", r.ID, seq)
	}
	r.SourceID = r.Tid
	r.Version = p.coll.Version

	h, err := Hash(r.Attrs)
	if err != nil {
		return nil, err
	}
	r.Hash = h
	return r, nil
}

// Hash is the hex SHA-256 of the canonical JSON encoding of attrs. Values
// must be canonical (see model.Normalize); map keys are encoded sorted, so
// attribute order never affects the result.
func Hash(attrs map[string]any) (string, error) {
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("hash attributes: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
