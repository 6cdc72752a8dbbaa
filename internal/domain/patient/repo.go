package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Find returns the single patient matching l, ErrNotFound, or ErrAmbiguous.
	Find(ctx context.Context, l Lookup) (*Patient, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	// SetDeviceToken binds token to id and clears it from any other patient
	// that held it, so a device token always resolves to one patient.
	SetDeviceToken(ctx context.Context, id uuid.UUID, token string) error
	// Transition moves id from one status to another only if it is still in
	// from. It returns ErrInvalidTransition when the row exists in another state.
	Transition(ctx context.Context, id uuid.UUID, from, to Status) (*Patient, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, u ProfileUpdate) (*Patient, error)
	// Delete removes the patient together with its weight and meal logs.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter) ([]*Patient, int, error)
}
