package relations

import (
	"fmt"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// queryKey selects one of the parameterized query sets. Only the interval
// columns and the destination lookup differ between the four combinations
// of historicized sides; the match method decides the match predicate.
type queryKey struct {
	srcStates bool
	dstStates bool
	method    string
}

// queries is the SQL used to relate one reference. Identifiers come from
// the validated model and are quoted; values are always bind parameters.
type queries struct {
	key queryKey

	// sourceIDs: $1 last id of the previous page, $2 page size.
	sourceIDs string
	// sourceRows: $1 source functional ids.
	sourceRows string
	// destinationRows: $1 matched values.
	destinationRows string
	// changedSourceIDs: $1 source watermark, $2 destination watermark.
	changedSourceIDs string
}

func keyOf(ref *model.Reference) queryKey {
	return queryKey{srcStates: ref.Src.HasStates, dstStates: ref.Dst.HasStates, method: ref.Attribute.Match}
}

// buildQueries renders the query set for a reference.
func buildQueries(ref *model.Reference) (*queries, error) {
	key := keyOf(ref)
	if key.method != model.MatchEquals {
		return nil, fmt.Errorf("%w: %s.%s: %w %q", common.ErrValidation, ref.Src, ref.Attribute.Name,
			common.ErrUnsupportedMatch, key.method)
	}

	src := dbx.Ident(ref.Src.Table())
	dst := dbx.Ident(ref.Dst.Table())
	rel := dbx.Ident(ref.Name)
	attr := dbx.Ident(ref.Attribute.Name)
	dstAttr := dbx.Ident(ref.DstAttribute)

	q := &queries{key: key}

	q.sourceIDs = fmt.Sprintf(`SELECT DISTINCT _id FROM %s WHERE _id > $1 ORDER BY _id LIMIT $2`, src)

	srcIntervals, srcOrder := `NULL::bigint, NULL::timestamp`, `_id`
	if key.srcStates {
		srcIntervals = fmt.Sprintf(`%s::bigint, %s::timestamp`, dbx.Ident(common.FieldSequenceNumber), dbx.Ident(common.FieldBeginValidity))
		srcOrder = fmt.Sprintf(`_id, %s`, dbx.Ident(common.FieldSequenceNumber))
	}
	q.sourceRows = fmt.Sprintf(`SELECT _source, _id, %s, _last_event, %s::text FROM %s
		WHERE _id = ANY($1) AND _date_deleted IS NULL
		ORDER BY _source, %s`, srcIntervals, attr, src, srcOrder)

	// A historicized destination needs every state of each matched id to
	// close its intervals, also states whose value no longer matches.
	if key.dstStates {
		q.destinationRows = fmt.Sprintf(`SELECT _source, _id, %s::bigint, %s::timestamp, %s::text, _last_event FROM %s
		WHERE _date_deleted IS NULL AND _id IN (
			SELECT _id FROM %s WHERE %s::text = ANY($1) AND _date_deleted IS NULL)
		ORDER BY _source, _id, %s`,
			dbx.Ident(common.FieldSequenceNumber), dbx.Ident(common.FieldBeginValidity), dstAttr, dst,
			dst, dstAttr, dbx.Ident(common.FieldSequenceNumber))
	} else {
		q.destinationRows = fmt.Sprintf(`SELECT _source, _id, NULL::bigint, NULL::timestamp, %s::text, _last_event FROM %s
		WHERE _date_deleted IS NULL AND %s::text = ANY($1)
		ORDER BY _source, _id`, dstAttr, dst, dstAttr)
	}

	match := fmt.Sprintf(`s.%s->>'bronwaarde' = d.%s::text`, attr, dstAttr)
	if ref.Attribute.Many() {
		match = fmt.Sprintf(`EXISTS (SELECT 1 FROM jsonb_array_elements(s.%s) AS b WHERE b->>'bronwaarde' = d.%s::text)`, attr, dstAttr)
	}
	q.changedSourceIDs = fmt.Sprintf(`SELECT _id FROM %s WHERE _last_event > $1
		UNION
		SELECT s._id FROM %s s JOIN %s d ON %s WHERE d._last_event > $2
		UNION
		SELECT r.src_id FROM %s r JOIN %s d ON d._id = r.dst_id WHERE d._last_event > $2
		ORDER BY 1`, src, src, dst, match, rel, dst)

	return q, nil
}
