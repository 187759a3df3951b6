package watermarks

import (
	"context"

	"github.com/dmitrijs2005/regstate/internal/common"
)

type Repository interface {
	Get(ctx context.Context, p common.Partition) (int64, error)
	Advance(ctx context.Context, p common.Partition, eventID int64) error
}
