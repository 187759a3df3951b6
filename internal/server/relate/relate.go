// Package relate derives relation rows between a referencing (source) and a
// referenced (destination) collection, honoring the validity intervals of
// historicized collections on either side.
package relate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/populate"
	"github.com/google/uuid"
)

var tidNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("regstate.relations"))

// Source is one live state of a referencing row.
type Source struct {
	Source      string
	ID          string
	Volgnummer  *int64
	Begin       *time.Time
	LastEvent   int64
	Bronwaarden []string
}

func (s Source) identity() string { return s.Source + "|" + s.ID }
func (s Source) sequence() int64 { return deref(s.Volgnummer) }
func (s Source) validFrom() instant { return instantOf(s.Begin) }

// Destination is one live state of a referenced row. Value is the text of
// the attribute bronwaarden are matched against.
type Destination struct {
	Source     string
	ID         string
	Volgnummer *int64
	Begin      *time.Time
	Value      string
	LastEvent  int64
}

func (d Destination) identity() string { return d.Source + "|" + d.ID }
func (d Destination) sequence() int64 { return deref(d.Volgnummer) }
func (d Destination) validFrom() instant { return instantOf(d.Begin) }

// Row is one relation row. An empty DstID means no destination matched
// during [Begin, End); nil bounds are open.
type Row struct {
	Tid           string
	SrcSource     string
	SrcID         string
	SrcVolgnummer *int64
	DstSource     string
	DstID         string
	DstVolgnummer *int64
	Bronwaarde    string
	Begin         *time.Time
	End           *time.Time
	LastSrcEvent  int64
	LastDstEvent  int64
	Hash          string
}

// Conflict is a period during which a bronwaarde matched more than one
// destination. The period is related to no destination.
type Conflict struct {
	SrcID         string
	SrcVolgnummer *int64
	Bronwaarde    string
	Begin         *time.Time
	End           *time.Time
	DstIDs        []string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s bronwaarde %q matches %s", label(c.SrcID, c.SrcVolgnummer), c.Bronwaarde, strings.Join(c.DstIDs, ", "))
}

// Result is the outcome for one chunk of source ids.
type Result struct {
	Rows      []Row
	Conflicts []Conflict
}

// candidate is a destination state valid during iv.
type candidate struct {
	dst *Destination
	iv  interval
}

// Build relates every state in srcs. srcs must hold all live states of each
// source id it mentions, dsts all live states of every destination whose
// value matches one of their bronwaarden. Output is deterministic.
func Build(ref *model.Reference, srcs []Source, dsts []Destination) (Result, error) {
	if err := Validate(ref); err != nil {
		return Result{}, err
	}

	byValue := destinationsByValue(dsts, ref.Dst.HasStates)

	var res Result
	for _, group := range groupByID(srcs) {
		ivs := timeline(group, ref.Src.HasStates)
		for i := range group {
			s := &group[i]
			if ivs[i].empty() {
				continue
			}
			if err := relateState(ref, s, ivs[i], byValue, &res); err != nil {
				return Result{}, err
			}
		}
	}
	return res, nil
}

func relateState(ref *model.Reference, s *Source, sv interval, byValue map[string][]candidate, res *Result) error {
	emit := func(r Row) error {
		r, err := finish(ref, r)
		if err != nil {
			return err
		}
		res.Rows = append(res.Rows, r)
		return nil
	}

	values := unique(s.Bronwaarden)
	if len(values) == 0 {
		return emit(newRow(s, "", nil, sv))
	}
	for _, b := range values {
		var cands []candidate
		for _, c := range byValue[b] {
			if iv := c.iv.intersect(sv); !iv.empty() {
				cands = append(cands, candidate{dst: c.dst, iv: iv})
			}
		}

		var prev *Row
		var prevDst *Destination
		for _, seg := range segments(sv, cands) {
			var active []*Destination
			for _, c := range cands {
				if c.iv.covers(seg) {
					active = append(active, c.dst)
				}
			}

			var dst *Destination
			if len(active) > 1 {
				ids := make([]string, len(active))
				for i, d := range active {
					ids[i] = label(d.ID, d.Volgnummer)
				}
				res.Conflicts = append(res.Conflicts, Conflict{
					SrcID: s.ID, SrcVolgnummer: s.Volgnummer, Bronwaarde: b,
					Begin: seg.begin.time(), End: seg.end.time(), DstIDs: ids,
				})
			} else if len(active) == 1 {
				dst = active[0]
			}

			if prev != nil && sameDestination(prevDst, dst) {
				prev.End = seg.end.time()
				continue
			}
			if prev != nil {
				if err := emit(*prev); err != nil {
					return err
				}
			}
			r := newRow(s, b, dst, seg)
			prev, prevDst = &r, dst
		}
		if prev != nil {
			if err := emit(*prev); err != nil {
				return err
			}
		}
	}
	return nil
}

// segments splits sv at every candidate boundary that falls inside it.
func segments(sv interval, cands []candidate) []interval {
	points := []instant{sv.begin, sv.end}
	for _, c := range cands {
		points = append(points, c.iv.begin, c.iv.end)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var out []interval
	for i := 0; i+1 < len(points); i++ {
		if points[i] == points[i+1] {
			continue
		}
		out = append(out, interval{begin: points[i], end: points[i+1]})
	}
	return out
}

func sameDestination(a, b *Destination) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Source == b.Source && a.ID == b.ID && deref(a.Volgnummer) == deref(b.Volgnummer)
}

func newRow(s *Source, bronwaarde string, dst *Destination, iv interval) Row {
	r := Row{
		SrcSource:     s.Source,
		SrcID:         s.ID,
		SrcVolgnummer: s.Volgnummer,
		Bronwaarde:    bronwaarde,
		Begin:         iv.begin.time(),
		End:           iv.end.time(),
		LastSrcEvent:  s.LastEvent,
	}
	if dst != nil {
		r.DstSource = dst.Source
		r.DstID = dst.ID
		r.DstVolgnummer = dst.Volgnummer
		r.LastDstEvent = dst.LastEvent
	}
	return r
}

// finish derives the technical id and hash once the interval is final.
func finish(ref *model.Reference, r Row) (Row, error) {
	key := strings.Join([]string{ref.Name, r.SrcSource, r.SrcID, optional(r.SrcVolgnummer), r.Bronwaarde, stamp(r.Begin)}, "|")
	r.Tid = uuid.NewSHA1(tidNamespace, []byte(key)).String()
	h, err := populate.Hash(map[string]any{
		"src_id":           r.SrcID,
		"src_volgnummer":   r.SrcVolgnummer,
		"dst_id":           r.DstID,
		"dst_volgnummer":   r.DstVolgnummer,
		"bronwaarde":       r.Bronwaarde,
		"begin_geldigheid": stamp(r.Begin),
		"eind_geldigheid":  stamp(r.End),
	})
	if err != nil {
		return Row{}, fmt.Errorf("relation row of %s: %w", r.SrcID, err)
	}
	r.Hash = h
	return r, nil
}

func destinationsByValue(dsts []Destination, historicized bool) map[string][]candidate {
	byValue := make(map[string][]candidate)
	for _, group := range groupByID(dsts) {
		ivs := timeline(group, historicized)
		for i := range group {
			if ivs[i].empty() {
				continue
			}
			d := &group[i]
			byValue[d.Value] = append(byValue[d.Value], candidate{dst: d, iv: ivs[i]})
		}
	}
	return byValue
}

// groupByID sorts a copy of states by source and functional id, begin and
// sequence number, and splits it per source and functional id.
func groupByID[T stated](states []T) [][]T {
	sorted := make([]T, len(states))
	copy(sorted, states)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.identity() != b.identity() {
			return a.identity() < b.identity()
		}
		if a.validFrom() != b.validFrom() {
			return a.validFrom() < b.validFrom()
		}
		return a.sequence() < b.sequence()
	})

	var groups [][]T
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].identity() == sorted[start].identity() {
			end++
		}
		groups = append(groups, sorted[start:end])
		start = end
	}
	return groups
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Validate rejects references whose match method is not implemented. It
// does no I/O.
func Validate(ref *model.Reference) error {
	switch ref.Attribute.Match {
	case model.MatchEquals:
		return nil
	default:
		return fmt.Errorf("%w: %s.%s: %w %q", common.ErrValidation, ref.Src, ref.Attribute.Name,
			common.ErrUnsupportedMatch, ref.Attribute.Match)
	}
}

func label(id string, volgnummer *int64) string {
	if volgnummer == nil {
		return id
	}
	return id + "." + strconv.FormatInt(*volgnummer, 10)
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func optional(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
