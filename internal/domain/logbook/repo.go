package logbook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// AppendWeight inserts w and sets the patient's current_weight to w.Weight
	// in the same transaction.
	AppendWeight(ctx context.Context, w *WeightLog) error
	// ListWeights returns weights ordered by date ascending.
	ListWeights(ctx context.Context, patientID uuid.UUID) ([]*WeightLog, error)

	CreateMeal(ctx context.Context, m *MealLog) error
	GetMeal(ctx context.Context, patientID, mealID uuid.UUID) (*MealLog, error)
	// ListMeals returns meals ordered by date descending. A zero from/to
	// leaves that side unbounded.
	ListMeals(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*MealLog, error)
	UpdateMeal(ctx context.Context, patientID, mealID uuid.UUID, u MealUpdate) (*MealLog, error)
	DeleteMeal(ctx context.Context, patientID, mealID uuid.UUID) error
}
