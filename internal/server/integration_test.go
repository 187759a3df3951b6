//go:build integration

package server_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/model/modeltest"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/regstate/internal/server/services"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("regstate_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))
	return db
}

func at(day int) time.Time { return time.Date(2024, 3, day, 12, 0, 0, 0, time.UTC) }

func TestPipeline_Postgres(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	rm := repomanager.NewPostgresRepositoryManager()
	require.NoError(t, rm.RunMigrations(ctx, db))

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.ExportDir = t.TempDir()
	cfg.ChunkSize = 2

	svc := server.Wire(db, rm, modeltest.Registry(t), cfg, logging.New(os.Stderr, "debug"))

	stadsdelen := &services.Delivery{
		Header: services.DeliveryHeader{
			Source: "AMSBI", Application: "DGDialog", Catalogue: "gebieden", Entity: "stadsdelen",
			Timestamp: at(1),
		},
		Contents: []map[string]any{
			{"identificatie": "SD1", "code": "A", "naam": "Centrum"},
			{"identificatie": "SD2", "code": "B", "naam": "Westpoort"},
			{"identificatie": "SD3", "code": "E", "naam": "West"},
		},
	}
	sum, err := svc.Importer.Import(ctx, stadsdelen)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.NumAdded)
	assert.EqualValues(t, 3, sum.AfterWatermark)

	// identical redelivery only confirms
	stadsdelen.Header.Timestamp = at(2)
	sum, err = svc.Importer.Import(ctx, stadsdelen)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.NumAdded)
	assert.Equal(t, 3, sum.NumConfirmed)

	wijken := &services.Delivery{
		Header: services.DeliveryHeader{
			Source: "AMSBI", Application: "DGDialog", Catalogue: "gebieden", Entity: "wijken",
			Timestamp: at(3),
		},
		Contents: []map[string]any{
			{
				"identificatie": "W1", "volgnummer": 1, "begin_geldigheid": "2020-01-01T00:00:00",
				"naam": "Burgwallen", "ligt_in_stadsdeel": map[string]any{"bronwaarde": "SD1"},
			},
		},
	}
	sum, err = svc.Importer.Import(ctx, wijken)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NumAdded)

	applied, err := svc.Applier.ApplyAll(ctx, "gebieden", "wijken")
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Zero(t, applied[0].Counts.Processed, "import already applied its events")

	rels, err := svc.Relater.Build(ctx, services.BuildRequest{Catalogue: "gebieden", Collections: []string{"wijken"}})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.True(t, rels[0].Full)
	assert.EqualValues(t, 1, rels[0].Rows)
	assert.Zero(t, rels[0].Conflicts)

	// nothing changed: the incremental run touches no source ids
	rels, err = svc.Relater.Build(ctx, services.BuildRequest{Catalogue: "gebieden", Collections: []string{"wijken"}})
	require.NoError(t, err)
	assert.False(t, rels[0].Full)
	assert.Zero(t, rels[0].SourceIDs)

	names, err := svc.Views.RefreshAll(ctx, "gebieden", []string{"wijken"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mv_gbd_wijk_gbd_sdl_ligt_in_stadsdeel"}, names)

	exp, err := svc.Exporter.Export(ctx, "gebieden", "stadsdelen")
	require.NoError(t, err)
	assert.Equal(t, 4, exp.Events, "three adds and one bulk confirm")
	assert.FileExists(t, exp.Path)
}
