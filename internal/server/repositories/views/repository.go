package views

import "context"

type Repository interface {
	Create(ctx context.Context, v View, force bool) error
	Refresh(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}
