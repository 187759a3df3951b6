package relations

import (
	"context"

	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/relate"
)

type Repository interface {
	EnsureTable(ctx context.Context, ref *model.Reference) error
	MaxEvent(ctx context.Context, coll *model.Collection) (int64, error)
	LastRun(ctx context.Context, relation string) (*Run, error)
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	SourceIDs(ctx context.Context, ref *model.Reference, after string, limit int) ([]string, error)
	ChangedSourceIDs(ctx context.Context, ref *model.Reference, srcAfter, dstAfter int64) ([]string, error)
	SourceRows(ctx context.Context, ref *model.Reference, ids []string) ([]relate.Source, error)
	DestinationRows(ctx context.Context, ref *model.Reference, values []string) ([]relate.Destination, error)
	Replace(ctx context.Context, ref *model.Reference, srcIDs []string, rows []relate.Row) error
	DeleteOrphans(ctx context.Context, ref *model.Reference) (int64, error)
}
