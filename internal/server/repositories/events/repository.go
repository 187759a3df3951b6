package events

import (
	"context"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/event"
)

type Repository interface {
	Append(ctx context.Context, events []*event.Event) error
	ReadAfter(ctx context.Context, p common.Partition, afterID int64, limit int) ([]*event.Event, error)
	Tip(ctx context.Context, p common.Partition) (int64, error)
	Sources(ctx context.Context, catalogue, entity string) ([]string, error)
	ReadForExport(ctx context.Context, catalogue, entity string, afterID int64, limit int) ([]*event.Event, error)
}
