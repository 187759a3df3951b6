package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model/modeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addEvent(t *testing.T, source, id string) *event.Event {
	t.Helper()
	h := event.Header{
		Timestamp:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Catalogue:   "gebieden",
		Entity:      "stadsdelen",
		Version:     "0.1",
		Source:      source,
		Application: "test",
	}
	rec := map[string]any{
		"identificatie": id, "code": id, "naam": "naam " + id,
		common.FieldID: id, common.FieldTid: id, common.FieldSourceID: id,
		common.FieldVersion: "0.1", common.FieldHash: "h-" + id,
	}
	e, err := event.New(h, event.ActionAdd, id, id, event.AddPayload{Entity: rec})
	require.NoError(t, err)
	return e
}

func TestApply_ChunksAdvanceWatermark(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 2
	s := newStack(t, cfg)
	ctx := context.Background()
	p := common.Partition{Catalogue: "gebieden", Entity: "stadsdelen", Source: "AMSBI"}

	require.NoError(t, s.store.Append(ctx, []*event.Event{
		addEvent(t, "AMSBI", "SD1"), addEvent(t, "AMSBI", "SD2"), addEvent(t, "AMSBI", "SD3"),
		addEvent(t, "AMSBI", "SD4"), addEvent(t, "AMSBI", "SD5"),
	}))

	res, err := s.applier.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Before)
	assert.Equal(t, int64(5), res.After)
	assert.Equal(t, 5, res.Counts.Added)
	assert.Equal(t, 3, s.rm.watermarks.advanced, "one watermark advance per chunk")

	again, err := s.applier.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Counts.Processed)
	assert.Equal(t, int64(5), again.After)
}

func TestApply_Maintenance(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		want      bool
		analyzed  int
	}{
		{"write heavy pass", 0.3, true, 1},
		{"threshold not exceeded", 1.0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaintenanceThreshold = tt.threshold
			s := newStack(t, cfg)
			ctx := context.Background()

			require.NoError(t, s.store.Append(ctx, []*event.Event{addEvent(t, "AMSBI", "SD1")}))
			res, err := s.applier.Apply(ctx, common.Partition{Catalogue: "gebieden", Entity: "stadsdelen", Source: "AMSBI"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Maintenance)
			assert.Equal(t, tt.analyzed, s.rm.entities.analyzed)
		})
	}
}

func TestApply_WatermarkAheadOfLog(t *testing.T) {
	s := newStack(t, testConfig())
	p := common.Partition{Catalogue: "gebieden", Entity: "stadsdelen", Source: "AMSBI"}
	s.rm.watermarks.marks[p] = 10

	_, err := s.applier.Apply(context.Background(), p)
	var ce *common.ConsistencyError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Contains(t, ce.Reason, "exceeds log tip")
}

func TestApply_RowsBeyondWatermark(t *testing.T) {
	s := newStack(t, testConfig())
	ctx := context.Background()
	coll := modeltest.Collection(t, "gebieden", "stadsdelen")
	p := common.Partition{Catalogue: "gebieden", Entity: "stadsdelen", Source: "AMSBI"}

	require.NoError(t, s.store.Append(ctx, []*event.Event{addEvent(t, "AMSBI", "SD1")}))
	require.NoError(t, s.rm.entities.InsertBatch(ctx, coll, []*entity.Row{{Tid: "X", Source: "AMSBI", LastEvent: 7}}))

	_, err := s.applier.Apply(ctx, p)
	require.ErrorIs(t, err, common.ErrConsistency)
	assert.Equal(t, 0, s.rm.watermarks.advanced)
}

func TestApply_ViolationReportsProcessed(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 1
	s := newStack(t, cfg)
	ctx := context.Background()
	p := common.Partition{Catalogue: "gebieden", Entity: "stadsdelen", Source: "AMSBI"}

	require.NoError(t, s.store.Append(ctx, []*event.Event{
		addEvent(t, "AMSBI", "SD1"), addEvent(t, "AMSBI", "SD2"), addEvent(t, "AMSBI", "SD1"),
	}))

	res, err := s.applier.Apply(ctx, p)
	var ce *common.ConsistencyError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "SD1", ce.Tid)
	assert.Equal(t, int64(3), ce.EventID)
	assert.Equal(t, 2, ce.Processed)
	assert.Equal(t, int64(2), res.After)
	assert.Equal(t, int64(2), s.rm.watermarks.marks[p])
}

func TestApplyAll_Sources(t *testing.T) {
	s := newStack(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.store.Append(ctx, []*event.Event{
		addEvent(t, "AMSBI", "SD1"), addEvent(t, "DIVA", "SD9"), addEvent(t, "AMSBI", "SD2"),
	}))

	results, err := s.applier.ApplyAll(ctx, "gebieden", "stadsdelen")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AMSBI", results[0].Partition.Source)
	assert.Equal(t, 2, results[0].Counts.Added)
	assert.Equal(t, "DIVA", results[1].Partition.Source)
	assert.Equal(t, 1, results[1].Counts.Added)
	assert.Equal(t, 1, s.rm.entities.ensured, "table ensured once for all sources")

	_, err = s.applier.ApplyAll(ctx, "gebieden", "nope")
	assert.ErrorIs(t, err, common.ErrValidation)
}
