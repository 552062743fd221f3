package domain

import "context"

type IActionRepository interface {
	InitSchema(ctx context.Context) error
	Create(ctx context.Context, a *Action) error
	GetByID(ctx context.Context, id int64) (*Action, error)
	// Resolve moves a pending action to a terminal status. Resolving an
	// already-terminal action is a no-op: the stored action is returned with
	// resolved=false so callers can skip the side effects.
	Resolve(ctx context.Context, id int64, status Status, userResponse string) (a *Action, resolved bool, err error)
	ListPending(ctx context.Context, tenantID int64) ([]Action, error)
}
