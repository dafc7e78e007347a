package store

import (
	"context"

	"github.com/seantiz/igprov/internal/model"
)

// Store persists published provisioning transitions.
type Store interface {
	InsertTransition(ctx context.Context, t model.Transition) error
	ListTransitions(ctx context.Context, limit, offset int) ([]model.Transition, int, error)
	LatestTransition(ctx context.Context) (model.Transition, error)
	Close() error
}
