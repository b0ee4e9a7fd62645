package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist or belongs to another user.
var ErrNotFound = errors.New("record not found")

// Store persists reports. Every operation is scoped to userID; rows of other users are
// indistinguishable from missing rows.
type Store interface {
	Create(ctx context.Context, kind Kind, userID string, in Input) (int64, error)
	List(ctx context.Context, kind Kind, userID string, from, to time.Time) ([]Summary, error)
	Get(ctx context.Context, kind Kind, userID string, id int64) (*Record, error)
	Update(ctx context.Context, kind Kind, userID string, id int64, in Input) (*Record, error)
	Delete(ctx context.Context, kind Kind, userID string, id int64) error
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

const recordColumns = "id, user_id, sampling_date, analysis_date, sample_number, data, created_at"

// Create inserts a report and returns its id.
func (s *PostgresStore) Create(ctx context.Context, kind Kind, userID string, in Input) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (user_id, sampling_date, analysis_date, sample_number, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, pq.QuoteIdentifier(kind.Table))

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		userID, dateArg(in.SamplingDate), dateArg(in.AnalysisDate), in.SampleNumber, string(in.Data),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s record: %w", kind.Slug, err)
	}
	s.logger.Debug("record created", "kind", kind.Slug, "id", id, "user_sub", userID)
	return id, nil
}

// List returns the user's reports sampled between from and to inclusive, oldest first.
func (s *PostgresStore) List(ctx context.Context, kind Kind, userID string, from, to time.Time) ([]Summary, error) {
	query := fmt.Sprintf(`SELECT id, sampling_date, user_id, sample_number
		FROM %s
		WHERE user_id = $1 AND sampling_date BETWEEN $2 AND $3
		ORDER BY sampling_date ASC, id ASC`, pq.QuoteIdentifier(kind.Table))

	rows, err := s.db.QueryContext(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind.Slug, err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum    Summary
			date   sql.NullTime
			number sql.NullString
		)
		if err := rows.Scan(&sum.ID, &date, &sum.UserID, &number); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind.Slug, err)
		}
		if date.Valid {
			sum.Date = date.Time.Format(DateLayout)
		}
		sum.SampleNumber = number.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind.Slug, err)
	}
	return out, nil
}

// Get returns one report.
func (s *PostgresStore) Get(ctx context.Context, kind Kind, userID string, id int64) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND user_id = $2`,
		recordColumns, pq.QuoteIdentifier(kind.Table))

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record %d: %w", kind.Slug, id, err)
	}
	return rec, nil
}

// Update replaces a report's form and returns the stored row.
func (s *PostgresStore) Update(ctx context.Context, kind Kind, userID string, id int64, in Input) (*Record, error) {
	query := fmt.Sprintf(`UPDATE %s
		SET sampling_date = $1, analysis_date = $2, sample_number = $3, data = $4
		WHERE id = $5 AND user_id = $6
		RETURNING %s`, pq.QuoteIdentifier(kind.Table), recordColumns)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query,
		dateArg(in.SamplingDate), dateArg(in.AnalysisDate), in.SampleNumber, string(in.Data), id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s record %d: %w", kind.Slug, id, err)
	}
	s.logger.Debug("record updated", "kind", kind.Slug, "id", id, "user_sub", userID)
	return rec, nil
}

// Delete removes a report. The row is locked before deletion so a concurrent update cannot slip in.
func (s *PostgresStore) Delete(ctx context.Context, kind Kind, userID string, id int64) error {
	table := pq.QuoteIdentifier(kind.Table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE id = $1 AND user_id = $2 FOR UPDATE`, table),
		id, userID,
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s record %d: %w", kind.Slug, id, err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND user_id = $2`, table), id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete %s record %d: %w", kind.Slug, id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to delete %s record %d: %w", kind.Slug, id, err)
	} else if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.logger.Debug("record deleted", "kind", kind.Slug, "id", id, "user_sub", userID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		sampling sql.NullTime
		analysis sql.NullTime
		number   sql.NullString
		data     []byte
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &sampling, &analysis, &number, &data, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if sampling.Valid {
		rec.SamplingDate = sampling.Time.Format(DateLayout)
	}
	if analysis.Valid {
		rec.AnalysisDate = analysis.Time.Format(DateLayout)
	}
	rec.SampleNumber = number.String
	rec.Data = data
	return &rec, nil
}

func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDate(t)
}
