package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals
var gooseMu sync.Mutex

// SQLStore implements Store over database/sql for Postgres (pgx) and SQLite (modernc).
//
// Queries use $N placeholders numbered in order of first appearance so the
// same text binds identically on both drivers.
type SQLStore struct {
	db    *sql.DB
	pool  *pgxpool.Pool
	close sync.Once
}

// OpenPostgres connects through a pgx pool and applies migrations
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(db, "postgres", "migrations/postgres"); err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}

	return &SQLStore{db: db, pool: pool}, nil
}

// OpenSQLite opens a database file with foreign keys and WAL enabled and applies migrations
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db, "sqlite3", "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func migrate(db *sql.DB, dialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())

	if err := goose.Up(db, dir); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			slog.Debug("No migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	slog.Debug("Database migrations applied", "dialect", dialect)
	return nil
}

func (s *SQLStore) Close() error {
	var err error
	s.close.Do(func() {
		err = s.db.Close()
		if s.pool != nil {
			s.pool.Close()
		}
	})
	return err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// timestamp scans TIMESTAMP columns from either driver; SQLite may hand back text
type timestamp struct {
	t *time.Time
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (ts timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*ts.t = v.UTC()
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	case nil:
		*ts.t = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (ts timestamp) parse(v string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			*ts.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("failed to parse timestamp %q", v)
}

const batchColumns = `id, status, total_photos, processed_photos, created_at, updated_at`

func scanBatch(row scanner) (*models.Batch, error) {
	var (
		b      models.Batch
		status string
	)
	if err := row.Scan(&b.ID, &status, &b.TotalPhotos, &b.ProcessedPhotos, timestamp{&b.CreatedAt}, timestamp{&b.UpdatedAt}); err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	return &b, nil
}

const photoColumns = `id, batch_id, position, image_ref, filename, uploaded_at`

func scanPhoto(row scanner) (*models.Photo, error) {
	var p models.Photo
	if err := row.Scan(&p.ID, &p.BatchID, &p.Order, &p.ImageRef, &p.Filename, timestamp{&p.UploadedAt}); err != nil {
		return nil, err
	}
	return &p, nil
}

const questionColumns = `id, photo_id, status, extracted_text, error_message, created_at, updated_at`

func scanQuestion(row scanner) (*models.Question, error) {
	var (
		q      models.Question
		status string
	)
	if err := row.Scan(&q.ID, &q.PhotoID, &status, &q.ExtractedText, &q.ErrorMessage, timestamp{&q.CreatedAt}, timestamp{&q.UpdatedAt}); err != nil {
		return nil, err
	}
	q.Status = models.QuestionStatus(status)
	return &q, nil
}

const answerColumns = `id, question_id, provider, model, content, status, error_message, tokens_used, response_time, created_at`

func scanAnswer(row scanner) (*models.Answer, error) {
	var (
		a        models.Answer
		status   string
		tokens   sql.NullInt64
		response sql.NullFloat64
	)
	if err := row.Scan(&a.ID, &a.QuestionID, &a.Provider, &a.Model, &a.Content, &status, &a.ErrorMessage, &tokens, &response, timestamp{&a.CreatedAt}); err != nil {
		return nil, err
	}
	a.Status = models.AnswerStatus(status)
	if tokens.Valid {
		v := int(tokens.Int64)
		a.TokensUsed = &v
	}
	if response.Valid {
		v := response.Float64
		a.ResponseTime = &v
	}
	return &a, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) CreateBatch(ctx context.Context, batch *models.Batch, photos []*models.Photo) error {
	prepareBatch(batch, photos)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (`+batchColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			batch.ID, string(batch.Status), batch.TotalPhotos, batch.ProcessedPhotos, batch.CreatedAt, batch.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		for _, p := range photos {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO photos (`+photoColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
				p.ID, p.BatchID, p.Order, p.ImageRef, p.Filename, p.UploadedAt,
			); err != nil {
				return fmt.Errorf("failed to insert photo %d: %w", p.Order, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (`+questionColumns+`) VALUES ($1, $2, $3, '', '', $4, $5)`,
				uuid.NewString(), p.ID, string(models.QuestionQueued), batch.CreatedAt, batch.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert question for photo %d: %w", p.Order, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *SQLStore) queryBatches(ctx context.Context, query string, args ...any) ([]*models.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var result []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *SQLStore) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	return s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id`)
}

func (s *SQLStore) ListBatchesCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.Batch, error) {
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE created_at < $1 ORDER BY created_at, id`,
		cutoff.UTC())
}

func (s *SQLStore) SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = $1, updated_at = $2
		 WHERE id = $3 AND status NOT IN ('done', 'error')`,
		string(status), now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to update batch status: %w", err)
	}
	changed, err := affected(res)
	if err != nil || changed {
		return changed, err
	}
	if _, err := s.GetBatch(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RefreshProgress is a single statement so concurrent aggregations never lose an update
func (s *SQLStore) RefreshProgress(ctx context.Context, batchID string) (*models.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `
		UPDATE batches SET
			total_photos = (SELECT COUNT(*) FROM photos WHERE batch_id = $1),
			processed_photos = (
				SELECT COUNT(*) FROM photos p JOIN questions q ON q.photo_id = p.id
				WHERE p.batch_id = $1 AND q.status IN ('answered', 'error')
			),
			status = CASE
				WHEN status IN ('done', 'error') THEN status
				WHEN (
					SELECT COUNT(*) FROM photos p JOIN questions q ON q.photo_id = p.id
					WHERE p.batch_id = $1 AND q.status IN ('answered', 'error')
				) >= (SELECT COUNT(*) FROM photos WHERE batch_id = $1) THEN 'done'
				ELSE status
			END,
			updated_at = $2
		WHERE id = $1
		RETURNING `+batchColumns,
		batchID, now()))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *SQLStore) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	deleted, err := affected(res)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetPhoto(ctx context.Context, id string) (*models.Photo, error) {
	p, err := scanPhoto(s.db.QueryRowContext(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *SQLStore) ListPhotos(ctx context.Context, batchID string) ([]*models.Photo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+photoColumns+` FROM photos WHERE batch_id = $1 ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var result []*models.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *SQLStore) FirstPhoto(ctx context.Context, batchID string) (*models.Photo, error) {
	return s.NextPhoto(ctx, batchID, -1)
}

func (s *SQLStore) NextPhoto(ctx context.Context, batchID string, afterOrder int) (*models.Photo, error) {
	p, err := scanPhoto(s.db.QueryRowContext(ctx,
		`SELECT `+photoColumns+` FROM photos WHERE batch_id = $1 AND position > $2 ORDER BY position LIMIT 1`,
		batchID, afterOrder))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *SQLStore) EnsureQuestion(ctx context.Context, photoID string) (*models.Question, error) {
	t := now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (`+questionColumns+`)
		 SELECT $1, id, $2, '', '', $3, $4 FROM photos WHERE id = $5
		 ON CONFLICT (photo_id) DO NOTHING`,
		uuid.NewString(), string(models.QuestionQueued), t, t, photoID,
	); err != nil {
		return nil, fmt.Errorf("failed to ensure question: %w", err)
	}
	return s.GetQuestionByPhoto(ctx, photoID)
}

func (s *SQLStore) GetQuestionByPhoto(ctx context.Context, photoID string) (*models.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE photo_id = $1`, photoID))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

func (s *SQLStore) ListQuestions(ctx context.Context, batchID string) ([]*models.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.photo_id, q.status, q.extracted_text, q.error_message, q.created_at, q.updated_at
		FROM questions q JOIN photos p ON p.id = q.photo_id
		WHERE p.batch_id = $1
		ORDER BY p.position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var result []*models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func (s *SQLStore) ClaimQuestion(ctx context.Context, questionID string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE questions SET status = 'extracting', updated_at = $1
		WHERE id = $2 AND (
			status = 'queued'
			OR (status IN ('extracting', 'solving') AND updated_at < $3)
		)`,
		now(), questionID, staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim question: %w", err)
	}
	return s.changedOrMissing(ctx, res, questionID)
}

func (s *SQLStore) SaveExtractedText(ctx context.Context, questionID, text string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE questions SET extracted_text = $1, status = 'solving', updated_at = $2
		WHERE id = $3 AND status = 'extracting'`,
		text, now(), questionID)
	if err != nil {
		return false, fmt.Errorf("failed to save extracted text: %w", err)
	}
	return s.changedOrMissing(ctx, res, questionID)
}

func (s *SQLStore) AnswerQuestion(ctx context.Context, questionID string, answer *models.Answer, attempts []*models.Answer) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE questions SET status = 'answered', error_message = '', updated_at = $1
			WHERE id = $2 AND status = 'solving'`,
			now(), questionID)
		if err != nil {
			return fmt.Errorf("failed to mark question answered: %w", err)
		}
		if changed, err = affected(res); err != nil || !changed {
			return err
		}
		for _, a := range attempts {
			if err := insertAnswer(ctx, tx, questionID, a); err != nil {
				return err
			}
		}
		return insertAnswer(ctx, tx, questionID, answer)
	})
	if err != nil {
		return false, err
	}
	if !changed {
		if _, err := s.GetQuestionByID(ctx, questionID); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func (s *SQLStore) FailQuestion(ctx context.Context, questionID, message string, attempts []*models.Answer) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE questions SET status = 'error', error_message = $1, updated_at = $2
			WHERE id = $3 AND status NOT IN ('answered', 'error')`,
			message, now(), questionID)
		if err != nil {
			return fmt.Errorf("failed to mark question failed: %w", err)
		}
		if changed, err = affected(res); err != nil || !changed {
			return err
		}
		for _, a := range attempts {
			if err := insertAnswer(ctx, tx, questionID, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !changed {
		if _, err := s.GetQuestionByID(ctx, questionID); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func insertAnswer(ctx context.Context, tx *sql.Tx, questionID string, a *models.Answer) error {
	prepareAnswer(a, questionID)

	var tokens sql.NullInt64
	if a.TokensUsed != nil {
		tokens = sql.NullInt64{Int64: int64(*a.TokensUsed), Valid: true}
	}
	var response sql.NullFloat64
	if a.ResponseTime != nil {
		response = sql.NullFloat64{Float64: *a.ResponseTime, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO answers (`+answerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.QuestionID, a.Provider, a.Model, a.Content, string(a.Status), a.ErrorMessage, tokens, response, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert answer from %s: %w", a.Provider, err)
	}
	return nil
}

func (s *SQLStore) ListAnswers(ctx context.Context, batchID string) ([]*models.Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.question_id, a.provider, a.model, a.content, a.status, a.error_message,
		       a.tokens_used, a.response_time, a.created_at
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		JOIN photos p ON p.id = q.photo_id
		WHERE p.batch_id = $1
		ORDER BY p.position, a.created_at, a.id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var result []*models.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// GetQuestionByID is used to tell a guarded no-op apart from a missing row
func (s *SQLStore) GetQuestionByID(ctx context.Context, id string) (*models.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

func (s *SQLStore) changedOrMissing(ctx context.Context, res sql.Result, questionID string) (bool, error) {
	changed, err := affected(res)
	if err != nil || changed {
		return changed, err
	}
	if _, err := s.GetQuestionByID(ctx, questionID); err != nil {
		return false, err
	}
	return false, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
