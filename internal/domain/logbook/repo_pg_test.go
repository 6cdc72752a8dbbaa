package logbook

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dietcare/dietcare/internal/platform/db/dbtest"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.Run(m))
}

func newPGRepo(t *testing.T) (Repository, *pgxpool.Pool, uuid.UUID) {
	t.Helper()
	pool := dbtest.Pool(t)
	dbtest.Reset(t, pool)

	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO patient (status, name, phone_number, start_weight, current_weight, target_weight)
		VALUES ('ACTIVE', '기록', '010-9000-0000', 80, 80, 65)
		RETURNING id`).Scan(&id)
	if err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	return NewRepo(pool), pool, id
}

func currentWeight(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) float64 {
	t.Helper()
	var w float64
	if err := pool.QueryRow(context.Background(), `SELECT current_weight FROM patient WHERE id = $1`, id).Scan(&w); err != nil {
		t.Fatalf("read current weight: %v", err)
	}
	return w
}

func TestRepoPG_AppendWeightUpdatesCurrent(t *testing.T) {
	repo, pool, pid := newPGRepo(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	w := &WeightLog{PatientID: pid, Date: day, Weight: 78.4}
	if err := repo.AppendWeight(ctx, w); err != nil {
		t.Fatalf("AppendWeight: %v", err)
	}
	if w.ID == uuid.Nil || w.CreatedAt.IsZero() {
		t.Errorf("expected id and created_at set, got %+v", w)
	}
	if got := currentWeight(t, pool, pid); got != 78.4 {
		t.Errorf("expected current_weight 78.4, got %v", got)
	}

	earlier := &WeightLog{PatientID: pid, Date: day.AddDate(0, 0, -1), Weight: 79}
	if err := repo.AppendWeight(ctx, earlier); err != nil {
		t.Fatalf("AppendWeight: %v", err)
	}
	items, err := repo.ListWeights(ctx, pid)
	if err != nil {
		t.Fatalf("ListWeights: %v", err)
	}
	if len(items) != 2 || items[0].Weight != 79 || items[1].Weight != 78.4 {
		t.Errorf("expected weights ordered by date, got %+v", items)
	}
}

func TestRepoPG_AppendWeightIsAtomic(t *testing.T) {
	repo, pool, pid := newPGRepo(t)
	ctx := context.Background()

	// weight_log rejects non-positive weights after current_weight was updated
	err := repo.AppendWeight(ctx, &WeightLog{PatientID: pid, Date: time.Now(), Weight: -1})
	if err == nil {
		t.Fatal("expected check constraint error")
	}
	if got := currentWeight(t, pool, pid); got != 80 {
		t.Errorf("expected current_weight rolled back to 80, got %v", got)
	}

	if err := repo.AppendWeight(ctx, &WeightLog{PatientID: uuid.New(), Date: time.Now(), Weight: 70}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown patient, got %v", err)
	}
	var n int
	pool.QueryRow(ctx, `SELECT COUNT(*) FROM weight_log`).Scan(&n)
	if n != 0 {
		t.Errorf("expected no weight rows, got %d", n)
	}
}

func TestRepoPG_MealLifecycle(t *testing.T) {
	repo, _, pid := newPGRepo(t)
	ctx := context.Background()
	lunch := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)

	m := &MealLog{PatientID: pid, Date: lunch, UploadedAt: lunch, FoodName: "비빔밥", Calories: 600, Analysis: "채소가 풍부합니다."}
	if err := repo.CreateMeal(ctx, m); err != nil {
		t.Fatalf("CreateMeal: %v", err)
	}
	other := &MealLog{PatientID: pid, Date: lunch.AddDate(0, 0, 1), UploadedAt: lunch, FoodName: "라면", Calories: 500}
	if err := repo.CreateMeal(ctx, other); err != nil {
		t.Fatalf("CreateMeal: %v", err)
	}

	day, err := repo.ListMeals(ctx, pid, lunch.Truncate(24*time.Hour), lunch.Truncate(24*time.Hour).Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListMeals: %v", err)
	}
	if len(day) != 1 || day[0].ID != m.ID {
		t.Errorf("expected only the lunch meal in range, got %d", len(day))
	}
	all, _ := repo.ListMeals(ctx, pid, time.Time{}, time.Time{})
	if len(all) != 2 || all[0].ID != other.ID {
		t.Errorf("expected newest first, got %d meals", len(all))
	}

	cal := 650
	updated, err := repo.UpdateMeal(ctx, pid, m.ID, MealUpdate{Calories: &cal})
	if err != nil {
		t.Fatalf("UpdateMeal: %v", err)
	}
	if updated.Calories != 650 || updated.FoodName != "비빔밥" {
		t.Errorf("expected partial update, got %+v", updated)
	}
	if _, err := repo.UpdateMeal(ctx, uuid.New(), m.ID, MealUpdate{Calories: &cal}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected another patient's meal hidden, got %v", err)
	}

	if err := repo.DeleteMeal(ctx, pid, m.ID); err != nil {
		t.Fatalf("DeleteMeal: %v", err)
	}
	if _, err := repo.GetMeal(ctx, pid, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
