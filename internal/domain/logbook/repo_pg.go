package logbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dietcare/dietcare/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
	tx   db.TxRunner
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, tx: db.NewTxRunner(pool)}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// -- Weight --

func (r *repoPG) AppendWeight(ctx context.Context, w *WeightLog) error {
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx,
			`UPDATE patient SET current_weight = $2, updated_at = NOW() WHERE id = $1`, w.PatientID, w.Weight)
		if err != nil {
			return fmt.Errorf("update current weight: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		w.ID = uuid.New()
		err = q.QueryRow(ctx, `
			INSERT INTO weight_log (id, patient_id, date, weight)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			w.ID, w.PatientID, w.Date, w.Weight,
		).Scan(&w.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert weight log: %w", err)
		}
		return nil
	})
}

func (r *repoPG) ListWeights(ctx context.Context, patientID uuid.UUID) ([]*WeightLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, date, weight, created_at
		FROM weight_log WHERE patient_id = $1
		ORDER BY date ASC, created_at ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list weight logs: %w", err)
	}
	defer rows.Close()

	var out []*WeightLog
	for rows.Next() {
		var w WeightLog
		if err := rows.Scan(&w.ID, &w.PatientID, &w.Date, &w.Weight, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan weight log: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// -- Meals --

const mealCols = `id, patient_id, date, uploaded_at, image_url, food_name, calories, analysis`

func (r *repoPG) CreateMeal(ctx context.Context, m *MealLog) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO meal_log (`+mealCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.PatientID, m.Date, m.UploadedAt, m.ImageURL, m.FoodName, m.Calories, m.Analysis,
	)
	if err != nil {
		return fmt.Errorf("insert meal log: %w", err)
	}
	return nil
}

func (r *repoPG) GetMeal(ctx context.Context, patientID, mealID uuid.UUID) (*MealLog, error) {
	m, err := scanMeal(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mealCols+` FROM meal_log WHERE id = $1 AND patient_id = $2`, mealID, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meal log: %w", err)
	}
	return m, nil
}

func (r *repoPG) ListMeals(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*MealLog, error) {
	conds := []string{"patient_id = $1"}
	args := []any{patientID}
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("date < $%d", len(args)))
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+mealCols+` FROM meal_log WHERE `+strings.Join(conds, " AND ")+` ORDER BY date DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list meal logs: %w", err)
	}
	defer rows.Close()

	var out []*MealLog
	for rows.Next() {
		m, err := scanMeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meal log: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateMeal(ctx context.Context, patientID, mealID uuid.UUID, u MealUpdate) (*MealLog, error) {
	m, err := scanMeal(r.conn(ctx).QueryRow(ctx, `
		UPDATE meal_log SET
			date = COALESCE($3, date),
			food_name = COALESCE($4, food_name),
			calories = COALESCE($5, calories),
			analysis = COALESCE($6, analysis)
		WHERE id = $1 AND patient_id = $2
		RETURNING `+mealCols,
		mealID, patientID, u.Date, u.FoodName, u.Calories, u.Analysis))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update meal log: %w", err)
	}
	return m, nil
}

func (r *repoPG) DeleteMeal(ctx context.Context, patientID, mealID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM meal_log WHERE id = $1 AND patient_id = $2`, mealID, patientID)
	if err != nil {
		return fmt.Errorf("delete meal log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMeal(row pgx.Row) (*MealLog, error) {
	var m MealLog
	err := row.Scan(&m.ID, &m.PatientID, &m.Date, &m.UploadedAt, &m.ImageURL, &m.FoodName, &m.Calories, &m.Analysis)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
