// Package store persists judgement runs to Postgres so they can be
// compared over time. Each recorded run keeps its full cell matrix and
// audit findings plus the git state of the working copy that produced it.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/audit"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configures the history store connection.
type Options struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// Store is a Postgres-backed run history.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, applies pending migrations when
// AutoMigrate is set, and verifies the connection with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 25
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	if opts.ConnMaxIdleTime <= 0 {
		opts.ConnMaxIdleTime = 30 * time.Minute
	}

	if opts.AutoMigrate {
		if err := Migrate(opts.DSN); err != nil {
			return nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MaxConnLifetime = opts.ConnMaxLifetime
	cfg.MaxConnIdleTime = opts.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies all pending schema migrations from the embedded SQL.
// goose drives database/sql, so this uses its own short-lived connection
// rather than the pgx pool.
func Migrate(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("store: open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// RunMeta identifies one pipeline run for the history tables.
type RunMeta struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	Backend    string
	ConfigHash string
	Provenance Provenance
}

// RunSummary is one row of the run history listing.
type RunSummary struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	GitCommit      string
	GitBranch      string
	GitDirty       bool
	ConfigHash     string
	Backend        string
	SatisfiedCount int
	TotalCount     int
	EffectiveTests int64
}

// Satisfied reports whether every cell of the recorded run passed.
func (r RunSummary) Satisfied() bool {
	return r.SatisfiedCount == r.TotalCount
}

// Record persists one completed run in a single transaction: the run row,
// every cell of the matrix, and the audit findings. rep may be nil when no
// audit was produced.
func (s *Store) Record(ctx context.Context, meta RunMeta, m *usersim.Matrix, rep *audit.Report) error {
	if meta.ID == uuid.Nil {
		return fmt.Errorf("store: run id is required")
	}
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO usersim_runs
			(id, created_at, git_commit, git_branch, git_dirty, config_hash,
			 backend, satisfied_count, total_count, effective_tests)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		meta.ID, created,
		meta.Provenance.Commit, meta.Provenance.Branch, meta.Provenance.Dirty,
		meta.ConfigHash, meta.Backend,
		m.Summary.SatisfiedCount, m.Summary.TotalCount, m.Summary.EffectiveTests,
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}

	cells := cellRows(meta.ID, m)
	if len(cells) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"usersim_cells"},
			[]string{"run_id", "observer", "path", "label", "expr_repr",
				"passed", "conditional", "antecedent_fired", "error",
				"satisfied", "score"},
			pgx.CopyFromRows(cells),
		)
		if err != nil {
			return fmt.Errorf("store: copy cells: %w", err)
		}
	}

	if rep != nil {
		if findings := findingRows(meta.ID, rep); len(findings) > 0 {
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"usersim_findings"},
				[]string{"run_id", "code", "severity", "message"},
				pgx.CopyFromRows(findings),
			)
			if err != nil {
				return fmt.Errorf("store: copy findings: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// cellRows flattens a matrix into usersim_cells values, one row per
// requirement result. Conditional requirements carry a real
// antecedent_fired; unconditional ones store false under conditional=false.
func cellRows(runID uuid.UUID, m *usersim.Matrix) [][]any {
	var rows [][]any
	for i := range m.Cells {
		cell := &m.Cells[i]
		for _, r := range cell.Results {
			conditional := r.AntecedentFired != nil
			fired := false
			if conditional {
				fired = *r.AntecedentFired
			}
			rows = append(rows, []any{
				runID, cell.Observer, cell.Path, r.Label, r.ExprRepr,
				r.Passed, conditional, fired, r.Err,
				cell.Satisfied, cell.Score,
			})
		}
	}
	return rows
}

func findingRows(runID uuid.UUID, rep *audit.Report) [][]any {
	var rows [][]any
	for _, f := range rep.Findings() {
		rows = append(rows, []any{runID, f.Code, f.Severity, f.Message})
	}
	return rows
}

// List returns the most recent runs, newest first. limit <= 0 means the
// default page of 20.
func (s *Store) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, git_commit, git_branch, git_dirty, config_hash,
		       backend, satisfied_count, total_count, effective_tests
		FROM usersim_runs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.GitCommit, &r.GitBranch,
			&r.GitDirty, &r.ConfigHash, &r.Backend,
			&r.SatisfiedCount, &r.TotalCount, &r.EffectiveTests); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return out, nil
}

// Purge deletes runs recorded before the cutoff. Their cells and findings
// cascade. Returns the number of runs removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usersim_runs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ConfigHash fingerprints the project file bytes that produced a run.
func ConfigHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
