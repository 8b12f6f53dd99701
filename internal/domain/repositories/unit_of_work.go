package repositories

import (
	"context"
)

// UnitOfWork runs key, schedule and audit writes atomically.
type UnitOfWork interface {
	// Do runs fn in a transaction carried by ctx. A nested Do joins the outer
	// transaction, so fn's error rolls back everything since the outermost Do.
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}
