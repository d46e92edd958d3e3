package coverage

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for coverage profiles. There is
// at most one profile per patient.
type Repository interface {
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context, patientID uuid.UUID) (*Profile, error)
	Delete(ctx context.Context, patientID uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Profile, int, error)
}
