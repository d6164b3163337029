package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Accounts ---

func (s *PostgresStore) GetDefaultAccount(ctx context.Context) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM accounts WHERE name = 'default' LIMIT 1`,
	).Scan(&a.ID, &a.Name, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default account: %w", err)
	}
	return &a, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.AccountID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`, id, accountID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Video Jobs ---

const videoJobColumns = `id, owner_id, original_url, trim_start_sec, process_status,
	ready_url, thumbnail_url, error_message, created_at, updated_at`

func scanVideoJob(row pgx.Row) (*models.VideoJob, error) {
	var (
		j      models.VideoJob
		status string
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &j.OriginalURL, &j.TrimStartSec, &status,
		&j.ReadyURL, &j.ThumbnailURL, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.ProcessStatus = models.ProcessStatus(status)
	return &j, nil
}

func (s *PostgresStore) CreateVideoJob(ctx context.Context, job *models.VideoJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO video_jobs (id, owner_id, original_url, trim_start_sec, process_status,
		   ready_url, thumbnail_url, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.OwnerID, job.OriginalURL, job.TrimStartSec, string(job.ProcessStatus),
		job.ReadyURL, job.ThumbnailURL, job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create video job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindVideoJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	job, err := scanVideoJob(s.pool.QueryRow(ctx,
		`SELECT `+videoJobColumns+` FROM video_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find video job: %w", err)
	}
	return job, nil
}

// UpdateVideoJob applies patch in a single statement. With ExpectedStatus set
// the WHERE clause doubles as a compare-and-swap on process_status, so two
// writers racing on the same row cannot both succeed.
func (s *PostgresStore) UpdateVideoJob(ctx context.Context, id uuid.UUID, patch VideoJobPatch) (*models.VideoJob, error) {
	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	argIdx := 3

	if patch.ProcessStatus != nil {
		sets = append(sets, fmt.Sprintf("process_status = $%d", argIdx))
		args = append(args, string(*patch.ProcessStatus))
		argIdx++
	}
	if patch.ReadyURL != nil {
		sets = append(sets, fmt.Sprintf("ready_url = NULLIF($%d, '')", argIdx))
		args = append(args, *patch.ReadyURL)
		argIdx++
	}
	if patch.ThumbnailURL != nil {
		sets = append(sets, fmt.Sprintf("thumbnail_url = NULLIF($%d, '')", argIdx))
		args = append(args, *patch.ThumbnailURL)
		argIdx++
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = NULLIF($%d, '')", argIdx))
		args = append(args, *patch.ErrorMessage)
		argIdx++
	}

	query := "UPDATE video_jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if patch.ExpectedStatus != nil {
		query += fmt.Sprintf(" AND process_status = $%d", argIdx)
		args = append(args, string(*patch.ExpectedStatus))
	}
	query += " RETURNING " + videoJobColumns

	job, err := scanVideoJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if patch.ExpectedStatus == nil {
			return nil, ErrNotFound
		}
		if _, findErr := s.FindVideoJob(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update video job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListVideoJobsByOwner(ctx context.Context, filter VideoJobFilter) ([]*models.VideoJob, int, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("process_status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM video_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count video jobs: %w", err)
	}

	limit, offset := filter.Normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM video_jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		videoJobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list video jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.VideoJob{}
	for rows.Next() {
		job, err := scanVideoJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan video job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
