package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

const uniqueViolation = "23505"

const patientCols = `id, status, name, phone_number, birthdate, kakao_id, device_token,
	joined_at, age, start_weight, current_weight, target_weight, created_at, updated_at`

func (r *repoPG) Find(ctx context.Context, l Lookup) (*Patient, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	var (
		where string
		args  []any
	)
	switch l.Kind {
	case ByDevice:
		where, args = `device_token = $1`, []any{l.DeviceToken}
	case BySocial:
		where, args = `kakao_id = $1`, []any{l.KakaoID}
	case ByCredentials:
		where, args = `name = $1 AND phone_number = $2 AND birthdate = $3`, []any{l.Name, l.PhoneNumber, l.Birthdate}
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE `+where+` ORDER BY joined_at LIMIT 2`, args...)
	if err != nil {
		return nil, fmt.Errorf("find patient by %s: %w", l.Kind, err)
	}
	defer rows.Close()

	var found []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find patient by %s: %w", l.Kind, err)
	}

	switch len(found) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return nil, ErrAmbiguous
	}
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (
			id, status, name, phone_number, birthdate, kakao_id, device_token,
			joined_at, age, start_weight, current_weight, target_weight
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		p.ID, p.Status, p.Name, p.PhoneNumber, p.Birthdate, p.KakaoID, p.DeviceToken,
		p.JoinedAt, p.Age, p.StartWeight, p.CurrentWeight, p.TargetWeight,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) SetDeviceToken(ctx context.Context, id uuid.UUID, token string) error {
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx,
			`UPDATE patient SET device_token = NULL, updated_at = NOW() WHERE device_token = $2 AND id <> $1`,
			id, token); err != nil {
			return fmt.Errorf("release device token: %w", err)
		}
		tag, err := q.Exec(ctx,
			`UPDATE patient SET device_token = $2, updated_at = NOW() WHERE id = $1`, id, token)
		if err != nil {
			return fmt.Errorf("update device token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, from, to Status) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+patientCols, id, from, to))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition patient: %w", err)
	}

	// Nothing updated: either the row is gone or another admin decided first.
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrInvalidTransition
}

func (r *repoPG) UpdateProfile(ctx context.Context, id uuid.UUID, u ProfileUpdate) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET
			target_weight = COALESCE($2, target_weight),
			age = COALESCE($3, age),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+patientCols, id, u.TargetWeight, u.Age))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	return p, nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM meal_log WHERE patient_id = $1`, id); err != nil {
			return fmt.Errorf("delete meal logs: %w", err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM weight_log WHERE patient_id = $1`, id); err != nil {
			return fmt.Errorf("delete weight logs: %w", err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete patient: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*Patient, int, error) {
	var (
		conds []string
		args  []any
	)
	if st, ok := f.Tab.Status(); ok {
		args = append(args, st)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR phone_number LIKE $%d)", n, n))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT `+patientCols+` FROM patient%s ORDER BY joined_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Status, &p.Name, &p.PhoneNumber, &p.Birthdate, &p.KakaoID, &p.DeviceToken,
		&p.JoinedAt, &p.Age, &p.StartWeight, &p.CurrentWeight, &p.TargetWeight, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
