package entities

import (
	"context"
	"time"

	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

type Repository interface {
	EnsureTable(ctx context.Context, coll *model.Collection) error
	Snapshot(ctx context.Context, coll *model.Collection, source string) ([]*entity.Row, error)
	States(ctx context.Context, coll *model.Collection, source string, tids []string) (map[string]entity.State, error)
	Fetch(ctx context.Context, coll *model.Collection, source string, tids []string) (map[string]*entity.Row, error)
	InsertBatch(ctx context.Context, coll *model.Collection, rows []*entity.Row) error
	Update(ctx context.Context, coll *model.Collection, row *entity.Row) error
	BulkConfirm(ctx context.Context, coll *model.Collection, source string, confirms []event.Confirm, ts time.Time, eventID int64) (int64, error)
	MaxLastEvent(ctx context.Context, coll *model.Collection, source string) (int64, error)
	Analyze(ctx context.Context, coll *model.Collection) error
}
