package services

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/relate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelateService(t *testing.T, s *stack) (*RelateService, *ViewService) {
	t.Helper()
	views := NewViewService(s.db, s.rm, s.registry, logging.Discard())
	svc := NewRelateService(s.db, s.rm, s.registry, views, testConfig(), logging.Discard())
	svc.retry = dbx.RetryPolicy{MaxTries: 1}
	return svc, views
}

func seedWijken(s *stack) {
	begin := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	one := int64(1)
	rels := s.rm.relations
	rels.srcs = []relate.Source{
		{Source: "AMSBI", ID: "W1", Volgnummer: &one, Begin: &begin, LastEvent: 3, Bronwaarden: []string{"SD1"}},
		{Source: "AMSBI", ID: "W2", Volgnummer: &one, Begin: &begin, LastEvent: 4, Bronwaarden: []string{"SD2"}},
	}
	rels.dsts = []relate.Destination{
		{Source: "AMSBI", ID: "SD1", Value: "SD1", LastEvent: 1},
		{Source: "AMSBI", ID: "SD2", Value: "SD2", LastEvent: 2},
	}
	rels.maxEvent["gebieden_wijken"] = 4
	rels.maxEvent["gebieden_stadsdelen"] = 2
}

func TestRelate_FullThenIncremental(t *testing.T) {
	s := newStack(t, testConfig())
	seedWijken(s)
	svc, _ := newRelateService(t, s)
	ctx := context.Background()
	req := BuildRequest{Catalogue: "gebieden", Collections: []string{"wijken"}}

	ref, err := s.registry.Reference("gebieden", "wijken", "ligt_in_stadsdeel")
	require.NoError(t, err)

	// first run
	res, err := svc.Build(ctx, req)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ref.Name, res[0].Relation)
	assert.True(t, res[0].Full)
	assert.Equal(t, 2, res[0].SourceIDs)
	assert.Equal(t, int64(2), res[0].Rows)
	assert.Zero(t, res[0].Conflicts)
	assert.True(t, s.rm.views.created[ref.ViewName()], "missing view is created on first build")
	for _, row := range s.rm.relations.rows[ref.Name] {
		assert.Equal(t, row.SrcID, "W"+row.DstID[2:])
	}

	// nothing changed
	res, err = svc.Build(ctx, req)
	require.NoError(t, err)
	assert.False(t, res[0].Full)
	assert.Zero(t, res[0].SourceIDs)
	assert.Zero(t, s.rm.relations.changedCalls)
	assert.Equal(t, 1, s.rm.views.refreshed[ref.ViewName()])

	// destination side moved
	s.rm.relations.maxEvent["gebieden_stadsdelen"] = 5
	s.rm.relations.changed = []string{"W2"}
	res, err = svc.Build(ctx, req)
	require.NoError(t, err)
	assert.False(t, res[0].Full)
	assert.Equal(t, 1, res[0].SourceIDs)
	assert.Equal(t, 1, s.rm.relations.changedCalls)

	// forced rebuild
	res, err = svc.Build(ctx, BuildRequest{Catalogue: "gebieden", Collections: []string{"wijken"}, Full: true})
	require.NoError(t, err)
	assert.True(t, res[0].Full)
	assert.Equal(t, 2, s.rm.relations.fullScans)
	assert.Equal(t, 4, s.rm.relations.started)
}

func TestRelate_Conflicts(t *testing.T) {
	s := newStack(t, testConfig())
	seedWijken(s)
	s.rm.relations.dsts = append(s.rm.relations.dsts, relate.Destination{Source: "DIVA", ID: "SD1", Value: "SD1", LastEvent: 9})
	svc, _ := newRelateService(t, s)

	res, err := svc.Build(context.Background(), BuildRequest{Catalogue: "gebieden", Collections: []string{"wijken"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res[0].Conflicts)
	assert.Equal(t, int64(2), res[0].Rows, "a conflicting period is still one row")
}

func TestRelate_WholeCatalogue(t *testing.T) {
	s := newStack(t, testConfig())
	svc, _ := newRelateService(t, s)

	res, err := svc.Build(context.Background(), BuildRequest{Catalogue: "gebieden"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	names := []string{res[0].Relation, res[1].Relation}
	assert.ElementsMatch(t, []string{"rel_gbd_brt_gbd_wijk_ligt_in_wijk", "rel_gbd_wijk_gbd_sdl_ligt_in_stadsdeel"}, names)
}

func TestRelate_RejectsBeforeIO(t *testing.T) {
	s := newStack(t, testConfig())
	wijken := s.registry.Catalogs["gebieden"].Collections["wijken"]
	for i := range wijken.Attributes {
		if wijken.Attributes[i].Name == "ligt_in_stadsdeel" {
			wijken.Attributes[i].Match = "geo_in"
		}
	}
	svc, _ := newRelateService(t, s)

	_, err := svc.Build(context.Background(), BuildRequest{Catalogue: "gebieden"})
	require.ErrorIs(t, err, common.ErrUnsupportedMatch)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Empty(t, s.rm.relations.tables, "no relation may be touched")

	_, err = svc.Build(context.Background(), BuildRequest{Catalogue: "gebieden", Collections: []string{"nope"}})
	assert.ErrorIs(t, err, common.ErrValidation)
}
