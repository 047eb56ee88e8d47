package sessions

import (
	"context"
	"time"
)

// Registry is a keyed store of live sessions. Update runs its mutator as one
// atomic read-modify-write so concurrent progress and file-entry updates
// never race.
type Registry interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, id string, fn func(*Session)) (Session, error)
	Delete(ctx context.Context, id string) error
	Sweep(ctx context.Context, retention time.Duration) (int, error)
}
