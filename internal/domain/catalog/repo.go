package catalog

import "context"

// Repository defines the persistence interface for the service catalog.
type Repository interface {
	Upsert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, code string) (*Entry, error)
	SetActive(ctx context.Context, code string, active bool) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}
