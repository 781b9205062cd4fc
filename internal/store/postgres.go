package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds Postgres connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConfigFromEnv loads Config from environment variables, applying
// pool-tuning defaults (25 open and 10 idle connections, 1h max lifetime,
// 15m max idle time) and validating the result.
func ConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := Config{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "tarsy"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "tarsy"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a Config is internally consistent.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("DB_MAX_IDLE_CONNS cannot be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// PostgresStore is the real Store implementation over database/sql (pgx
// driver) with sqlx for scanning convenience.
type PostgresStore struct {
	db *sqlx.DB
}

// HealthStatus reports connectivity and pool statistics for a health check.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"response_time_ms"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration_ms"`
	MaxOpenConns    int           `json:"max_open_conns"`
}

// Health checks connectivity and reports pool statistics.
func (s *PostgresStore) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}
	stats := s.db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}

// NewPostgresStore opens a pooled connection, runs pending migrations, and
// returns a ready Store.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// runMigrations applies embedded SQL migrations with golang-migrate via an
// iofs-embedded source.
func runMigrations(db *sql.DB, cfg Config) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	hasSQL := false
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			hasSQL = true
			break
		}
	}
	if !hasSQL {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// pgTx wraps a *sqlx.Tx behind the Tx/Repos interfaces.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Repos() Repos { return &pgRepos{q: t.tx} }

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "begin transaction")
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) Commit(ctx context.Context, tx Tx) error {
	t, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("store: foreign transaction handle")
	}
	return t.tx.Commit()
}

func (s *PostgresStore) Rollback(ctx context.Context, tx Tx) error {
	t, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("store: foreign transaction handle")
	}
	return t.tx.Rollback()
}

func (s *PostgresStore) Repos() Repos { return &pgRepos{q: s.db} }

// queryer is the subset of *sqlx.DB / *sqlx.Tx the repos need; it lets a
// single repo implementation serve both auto-committing and transactional
// callers.
type queryer interface {
	Rebind(query string) string
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type pgRepos struct{ q queryer }

func (r *pgRepos) Agents() AgentRepo           { return pgAgents{r.q} }
func (r *pgRepos) Hirings() HiringRepo         { return pgHirings{r.q} }
func (r *pgRepos) Deployments() DeploymentRepo { return pgDeployments{r.q} }
func (r *pgRepos) Executions() ExecutionRepo   { return pgExecutions{r.q} }
func (r *pgRepos) UsageRows() UsageRowRepo     { return pgUsageRows{r.q} }
func (r *pgRepos) UserBudgets() UserBudgetRepo { return pgUserBudgets{r.q} }
func (r *pgRepos) Credentials() CredentialRepo { return pgCredentials{r.q} }

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return rterrors.ErrNotFound
	}
	return err
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return rterrors.ErrAlreadyExists
	}
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func marshalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// programmer error: every value passed here is one of our own types
		panic(fmt.Sprintf("store: marshal invariant violated: %v", err))
	}
	return b
}

// --- Agents ---

type pgAgents struct{ q queryer }

type agentRow struct {
	ID             string    `db:"id"`
	CodeDigest     string    `db:"code_digest"`
	BundleLocation string    `db:"bundle_location"`
	Name           string    `db:"name"`
	AgentVersion   string    `db:"agent_version"`
	ManifestJSON   []byte    `db:"manifest_json"`
	PricingKind    string    `db:"pricing_kind"`
	PricingPrice   string    `db:"pricing_price"`
	Status         string    `db:"status"`
	ResourceHints  []byte    `db:"resource_hints_json"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	RowVersion     int64     `db:"row_version"`
}

func (row *agentRow) toAgent() (*Agent, error) {
	var manifest Manifest
	if err := json.Unmarshal(row.ManifestJSON, &manifest); err != nil {
		return nil, err
	}
	var caps ResourceCaps
	if err := json.Unmarshal(row.ResourceHints, &caps); err != nil {
		return nil, err
	}
	price, err := parseDecimal(row.PricingPrice)
	if err != nil {
		return nil, err
	}
	return &Agent{
		ID:             row.ID,
		CodeDigest:     row.CodeDigest,
		BundleLocation: row.BundleLocation,
		Manifest:       manifest,
		Pricing:        Pricing{Kind: PricingKind(row.PricingKind), Price: price},
		Status:         AgentStatus(row.Status),
		ResourceHints:  caps,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		Version:        row.RowVersion,
	}, nil
}

func (r pgAgents) Create(ctx context.Context, a *Agent) (*Agent, error) {
	const q = `
		INSERT INTO agents (id, code_digest, bundle_location, name, agent_version,
			manifest_json, pricing_kind, pricing_price, status, resource_hints_json,
			created_at, updated_at, row_version)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), 1)
		RETURNING id, created_at, updated_at, row_version`
	var out struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
		RowVersion int64    `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		a.CodeDigest, a.BundleLocation, a.Manifest.Name, a.Manifest.Version,
		marshalJSON(a.Manifest), string(a.Pricing.Kind), a.Pricing.Price.String(),
		string(a.Status), marshalJSON(a.ResourceHints))
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	cp := *a
	cp.ID, cp.CreatedAt, cp.UpdatedAt, cp.Version = out.ID, out.CreatedAt, out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgAgents) Get(ctx context.Context, id string) (*Agent, error) {
	var row agentRow
	err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM agents WHERE id = ?`), id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toAgent()
}

func (r pgAgents) GetByNameVersion(ctx context.Context, name, version string) (*Agent, error) {
	var row agentRow
	err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM agents WHERE name = ? AND agent_version = ?`), name, version)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toAgent()
}

func (r pgAgents) Update(ctx context.Context, a *Agent) (*Agent, error) {
	const q = `
		UPDATE agents SET status = ?, manifest_json = ?, resource_hints_json = ?,
			updated_at = now(), row_version = row_version + 1
		WHERE id = ? AND row_version = ?
		RETURNING updated_at, row_version`
	var out struct {
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		string(a.Status), marshalJSON(a.Manifest), marshalJSON(a.ResourceHints), a.ID, a.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rterrors.ErrConflict
		}
		return nil, err
	}
	cp := *a
	cp.UpdatedAt, cp.Version = out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgAgents) List(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	var rows []agentRow
	var err error
	if filter.Status != "" {
		err = r.q.SelectContext(ctx, &rows, r.q.Rebind(`SELECT * FROM agents WHERE status = ? ORDER BY created_at`), string(filter.Status))
	} else {
		err = r.q.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at`)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// --- Hirings ---

type pgHirings struct{ q queryer }

type hiringRow struct {
	ID            string    `db:"id"`
	AgentID       string    `db:"agent_id"`
	UserID        string    `db:"user_id"`
	Configuration []byte    `db:"configuration"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	RowVersion    int64     `db:"row_version"`
}

func (row *hiringRow) toHiring() *Hiring {
	return &Hiring{
		ID:            row.ID,
		AgentID:       row.AgentID,
		UserID:        row.UserID,
		Configuration: row.Configuration,
		Status:        HiringStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		Version:       row.RowVersion,
	}
}

func (r pgHirings) Create(ctx context.Context, h *Hiring) (*Hiring, error) {
	const q = `
		INSERT INTO hirings (id, agent_id, user_id, configuration, status, created_at, updated_at, row_version)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now(), now(), 1)
		RETURNING id, created_at, updated_at, row_version`
	var out struct {
		ID         string    `db:"id"`
		CreatedAt  time.Time `db:"created_at"`
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q), h.AgentID, h.UserID, h.Configuration, string(h.Status))
	if err != nil {
		return nil, err
	}
	cp := *h
	cp.ID, cp.CreatedAt, cp.UpdatedAt, cp.Version = out.ID, out.CreatedAt, out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgHirings) Get(ctx context.Context, id string) (*Hiring, error) {
	var row hiringRow
	if err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM hirings WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toHiring(), nil
}

func (r pgHirings) Update(ctx context.Context, h *Hiring) (*Hiring, error) {
	const q = `
		UPDATE hirings SET status = ?, configuration = ?, updated_at = now(), row_version = row_version + 1
		WHERE id = ? AND row_version = ?
		RETURNING updated_at, row_version`
	var out struct {
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q), string(h.Status), h.Configuration, h.ID, h.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rterrors.ErrConflict
		}
		return nil, err
	}
	cp := *h
	cp.UpdatedAt, cp.Version = out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgHirings) List(ctx context.Context, filter HiringFilter) ([]*Hiring, error) {
	q := `SELECT * FROM hirings WHERE 1=1`
	var args []interface{}
	if filter.UserID != "" {
		q += fmt.Sprintf(" AND user_id = $%d", len(args)+1)
		args = append(args, filter.UserID)
	}
	if filter.AgentID != "" {
		q += fmt.Sprintf(" AND agent_id = $%d", len(args)+1)
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, string(filter.Status))
	}
	q += " ORDER BY created_at"
	var rows []hiringRow
	if err := r.q.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*Hiring, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toHiring())
	}
	return out, nil
}

// --- Deployments ---

type pgDeployments struct{ q queryer }

type deploymentRow struct {
	ID                   string    `db:"id"`
	HiringID             string    `db:"hiring_id"`
	Kind                 string    `db:"kind"`
	State                string    `db:"state"`
	ContainerHandle      string    `db:"container_handle"`
	InternalEndpoint     string    `db:"internal_endpoint"`
	ProxyRoute           string    `db:"proxy_route"`
	CapsJSON             []byte    `db:"caps_json"`
	LastProbeAt          time.Time `db:"last_probe_at"`
	LastProbeHealthy     bool      `db:"last_probe_healthy"`
	LastProbeReason      string    `db:"last_probe_reason"`
	ConsecutiveUnhealthy int       `db:"consecutive_unhealthy"`
	RestartsInWindow     int       `db:"restarts_in_window"`
	RestartWindowStart   time.Time `db:"restart_window_start"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
	RowVersion           int64     `db:"row_version"`
}

func (row *deploymentRow) toDeployment() (*Deployment, error) {
	var caps ResourceCaps
	if err := json.Unmarshal(row.CapsJSON, &caps); err != nil {
		return nil, err
	}
	return &Deployment{
		ID:                   row.ID,
		HiringID:             row.HiringID,
		Kind:                 AgentKind(row.Kind),
		State:                DeploymentState(row.State),
		ContainerHandle:      row.ContainerHandle,
		InternalEndpoint:     row.InternalEndpoint,
		ProxyRoute:           row.ProxyRoute,
		Caps:                 caps,
		LastProbeAt:          row.LastProbeAt,
		LastProbeHealthy:     row.LastProbeHealthy,
		LastProbeReason:      row.LastProbeReason,
		ConsecutiveUnhealthy: row.ConsecutiveUnhealthy,
		RestartsInWindow:     row.RestartsInWindow,
		RestartWindowStart:   row.RestartWindowStart,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
		Version:              row.RowVersion,
	}, nil
}

func (r pgDeployments) Create(ctx context.Context, d *Deployment) (*Deployment, error) {
	const q = `
		INSERT INTO deployments (id, hiring_id, kind, state, container_handle, internal_endpoint,
			proxy_route, caps_json, last_probe_at, last_probe_healthy, last_probe_reason,
			consecutive_unhealthy, restarts_in_window, restart_window_start,
			created_at, updated_at, row_version)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, now(), false, '', 0, 0, now(),
			now(), now(), 1)
		RETURNING id, created_at, updated_at, row_version, last_probe_at, restart_window_start`
	var out struct {
		ID                 string    `db:"id"`
		CreatedAt          time.Time `db:"created_at"`
		UpdatedAt          time.Time `db:"updated_at"`
		RowVersion         int64     `db:"row_version"`
		LastProbeAt        time.Time `db:"last_probe_at"`
		RestartWindowStart time.Time `db:"restart_window_start"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		d.HiringID, string(d.Kind), string(d.State), d.ContainerHandle, d.InternalEndpoint,
		d.ProxyRoute, marshalJSON(d.Caps))
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	cp := *d
	cp.ID, cp.CreatedAt, cp.UpdatedAt, cp.Version = out.ID, out.CreatedAt, out.UpdatedAt, out.RowVersion
	cp.LastProbeAt, cp.RestartWindowStart = out.LastProbeAt, out.RestartWindowStart
	return &cp, nil
}

func (r pgDeployments) Get(ctx context.Context, id string) (*Deployment, error) {
	var row deploymentRow
	if err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM deployments WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDeployment()
}

func (r pgDeployments) Update(ctx context.Context, d *Deployment) (*Deployment, error) {
	const q = `
		UPDATE deployments SET state = ?, container_handle = ?, internal_endpoint = ?,
			last_probe_at = ?, last_probe_healthy = ?, last_probe_reason = ?,
			consecutive_unhealthy = ?, restarts_in_window = ?, restart_window_start = ?,
			updated_at = now(), row_version = row_version + 1
		WHERE id = ? AND row_version = ?
		RETURNING updated_at, row_version`
	var out struct {
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		string(d.State), d.ContainerHandle, d.InternalEndpoint,
		d.LastProbeAt, d.LastProbeHealthy, d.LastProbeReason,
		d.ConsecutiveUnhealthy, d.RestartsInWindow, d.RestartWindowStart,
		d.ID, d.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rterrors.ErrConflict
		}
		return nil, err
	}
	cp := *d
	cp.UpdatedAt, cp.Version = out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgDeployments) GetCurrentForHiring(ctx context.Context, hiringID string) (*Deployment, error) {
	var row deploymentRow
	const q = `SELECT * FROM deployments WHERE hiring_id = ? AND state NOT IN ('stopped', 'failed')
		ORDER BY created_at DESC LIMIT 1`
	if err := r.q.GetContext(ctx, &row, r.q.Rebind(q), hiringID); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDeployment()
}

func (r pgDeployments) List(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	q := `SELECT * FROM deployments WHERE 1=1`
	var args []interface{}
	if filter.HiringID != "" {
		q += fmt.Sprintf(" AND hiring_id = $%d", len(args)+1)
		args = append(args, filter.HiringID)
	}
	if filter.NonTerminal {
		q += " AND state NOT IN ('stopped', 'failed')"
	}
	if len(filter.States) > 0 {
		placeholders := ""
		for i, st := range filter.States {
			if i > 0 {
				placeholders += ", "
			}
			args = append(args, string(st))
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		q += fmt.Sprintf(" AND state IN (%s)", placeholders)
	}
	q += " ORDER BY created_at"
	var rows []deploymentRow
	if err := r.q.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDeployment()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// --- Executions ---

type pgExecutions struct{ q queryer }

type executionRow struct {
	ID             string         `db:"id"`
	AgentID        string         `db:"agent_id"`
	HiringID       string         `db:"hiring_id"`
	UserID         string         `db:"user_id"`
	Operation      string         `db:"operation"`
	State          string         `db:"state"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	Input          []byte         `db:"input"`
	Output         []byte         `db:"output"`
	ErrorMessage   string         `db:"error_message"`
	AggregatedCost string         `db:"aggregated_cost"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	RowVersion     int64          `db:"row_version"`
}

func (row *executionRow) toExecution() (*Execution, error) {
	cost, err := parseDecimal(row.AggregatedCost)
	if err != nil {
		return nil, err
	}
	e := &Execution{
		ID:             row.ID,
		AgentID:        row.AgentID,
		HiringID:       row.HiringID,
		UserID:         row.UserID,
		Operation:      row.Operation,
		State:          ExecutionState(row.State),
		Input:          row.Input,
		Output:         row.Output,
		ErrorMessage:   row.ErrorMessage,
		AggregatedCost: cost,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		Version:        row.RowVersion,
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		e.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func (r pgExecutions) Create(ctx context.Context, e *Execution) (*Execution, error) {
	const q = `
		INSERT INTO executions (id, agent_id, hiring_id, user_id, operation, state,
			started_at, input, error_message, aggregated_cost, created_at, updated_at, row_version)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, '', '0', now(), now(), 1)
		RETURNING id, created_at, updated_at, row_version`
	var startedAt *time.Time = e.StartedAt
	var out struct {
		ID         string    `db:"id"`
		CreatedAt  time.Time `db:"created_at"`
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		e.AgentID, e.HiringID, e.UserID, e.Operation, string(e.State), startedAt, e.Input)
	if err != nil {
		return nil, err
	}
	cp := *e
	cp.ID, cp.CreatedAt, cp.UpdatedAt, cp.Version = out.ID, out.CreatedAt, out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgExecutions) Get(ctx context.Context, id string) (*Execution, error) {
	var row executionRow
	if err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM executions WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toExecution()
}

func (r pgExecutions) Update(ctx context.Context, e *Execution) (*Execution, error) {
	const q = `
		UPDATE executions SET state = ?, started_at = ?, completed_at = ?, output = ?,
			error_message = ?, aggregated_cost = ?, updated_at = now(), row_version = row_version + 1
		WHERE id = ? AND row_version = ?
		RETURNING updated_at, row_version`
	var out struct {
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		string(e.State), e.StartedAt, e.CompletedAt, e.Output, e.ErrorMessage,
		e.AggregatedCost.String(), e.ID, e.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rterrors.ErrConflict
		}
		return nil, err
	}
	cp := *e
	cp.UpdatedAt, cp.Version = out.UpdatedAt, out.RowVersion
	return &cp, nil
}

func (r pgExecutions) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	q := `SELECT * FROM executions WHERE 1=1`
	var args []interface{}
	if filter.HiringID != "" {
		q += fmt.Sprintf(" AND hiring_id = $%d", len(args)+1)
		args = append(args, filter.HiringID)
	}
	if len(filter.States) > 0 {
		placeholders := ""
		for i, st := range filter.States {
			if i > 0 {
				placeholders += ", "
			}
			args = append(args, string(st))
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		q += fmt.Sprintf(" AND state IN (%s)", placeholders)
	}
	if filter.StaleBefore != nil {
		q += " AND state = 'running' AND started_at IS NOT NULL"
		q += fmt.Sprintf(" AND started_at < to_timestamp($%d)", len(args)+1)
		args = append(args, *filter.StaleBefore)
	}
	q += " ORDER BY created_at"
	var rows []executionRow
	if err := r.q.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// --- UsageRows ---

type pgUsageRows struct{ q queryer }

type usageRowRow struct {
	ID              string    `db:"id"`
	ExecutionID     string    `db:"execution_id"`
	Family          string    `db:"family"`
	Provider        string    `db:"provider"`
	ModelOrEndpoint string    `db:"model_or_endpoint"`
	OperationType   string    `db:"operation_type"`
	MeteredUnits    []byte    `db:"metered_units_json"`
	Cost            string    `db:"cost"`
	Metadata        []byte    `db:"metadata_json"`
	CreatedAt       time.Time `db:"created_at"`
}

func (row *usageRowRow) toUsageRow() (*UsageRow, error) {
	var units map[string]int64
	if err := json.Unmarshal(row.MeteredUnits, &units); err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		return nil, err
	}
	cost, err := parseDecimal(row.Cost)
	if err != nil {
		return nil, err
	}
	return &UsageRow{
		ID:              row.ID,
		ExecutionID:     row.ExecutionID,
		Family:          ResourceFamily(row.Family),
		Provider:        row.Provider,
		ModelOrEndpoint: row.ModelOrEndpoint,
		OperationType:   row.OperationType,
		MeteredUnits:    units,
		Cost:            cost,
		Metadata:        meta,
		CreatedAt:       row.CreatedAt,
	}, nil
}

func (r pgUsageRows) Append(ctx context.Context, u *UsageRow) (*UsageRow, error) {
	const q = `
		INSERT INTO usage_rows (id, execution_id, family, provider, model_or_endpoint,
			operation_type, metered_units_json, cost, metadata_json, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id, created_at`
	var out struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q),
		u.ExecutionID, string(u.Family), u.Provider, u.ModelOrEndpoint, u.OperationType,
		marshalJSON(u.MeteredUnits), u.Cost.String(), marshalJSON(u.Metadata))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, rterrors.ErrNotFound // foreign key: execution must exist
		}
		return nil, err
	}
	cp := *u
	cp.ID, cp.CreatedAt = out.ID, out.CreatedAt
	return &cp, nil
}

func (r pgUsageRows) ListByExecution(ctx context.Context, executionID string) ([]*UsageRow, error) {
	var rows []usageRowRow
	err := r.q.SelectContext(ctx, &rows, r.q.Rebind(`SELECT * FROM usage_rows WHERE execution_id = ? ORDER BY created_at`), executionID)
	if err != nil {
		return nil, err
	}
	out := make([]*UsageRow, 0, len(rows))
	for i := range rows {
		u, err := rows[i].toUsageRow()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r pgUsageRows) SumCostByExecution(ctx context.Context, executionID string) (int64, error) {
	var totalStr string
	err := r.q.GetContext(ctx, &totalStr,
		r.q.Rebind(`SELECT COALESCE(SUM(cost), 0)::text FROM usage_rows WHERE execution_id = ?`), executionID)
	if err != nil {
		return 0, err
	}
	total, err := parseDecimal(totalStr)
	if err != nil {
		return 0, err
	}
	return total.Shift(6).IntPart(), nil
}

// --- UserBudgets ---

type pgUserBudgets struct{ q queryer }

type userBudgetRow struct {
	UserID      string    `db:"user_id"`
	PeriodCap   string    `db:"period_cap"`
	PerCallCap  string    `db:"per_call_cap"`
	WindowSpend string    `db:"window_spend"`
	WindowStart time.Time `db:"window_start"`
	LastReset   time.Time `db:"last_reset"`
	RowVersion  int64     `db:"row_version"`
}

func (row *userBudgetRow) toUserBudget() (*UserBudget, error) {
	periodCap, err := parseDecimal(row.PeriodCap)
	if err != nil {
		return nil, err
	}
	perCallCap, err := parseDecimal(row.PerCallCap)
	if err != nil {
		return nil, err
	}
	spend, err := parseDecimal(row.WindowSpend)
	if err != nil {
		return nil, err
	}
	return &UserBudget{
		UserID:      row.UserID,
		PeriodCap:   periodCap,
		PerCallCap:  perCallCap,
		WindowSpend: spend,
		WindowStart: row.WindowStart,
		LastReset:   row.LastReset,
		Version:     row.RowVersion,
	}, nil
}

func (r pgUserBudgets) GetOrCreate(ctx context.Context, userID string) (*UserBudget, error) {
	var row userBudgetRow
	err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM user_budgets WHERE user_id = ?`), userID)
	if err == nil {
		return row.toUserBudget()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	const ins = `
		INSERT INTO user_budgets (user_id, period_cap, per_call_cap, window_spend, window_start, last_reset, row_version)
		VALUES ($1, '0', '0', '0', date_trunc('month', now()), now(), 1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING *`
	err = r.q.GetContext(ctx, &row, r.q.Rebind(ins), userID)
	if err != nil {
		return nil, err
	}
	return row.toUserBudget()
}

func (r pgUserBudgets) Update(ctx context.Context, b *UserBudget) (*UserBudget, error) {
	const q = `
		UPDATE user_budgets SET period_cap = ?, per_call_cap = ?, window_spend = ?,
			window_start = ?, last_reset = ?, row_version = row_version + 1
		WHERE user_id = ? AND row_version = ?
		RETURNING row_version`
	var rowVersion int64
	err := r.q.GetContext(ctx, &rowVersion, r.q.Rebind(q),
		b.PeriodCap.String(), b.PerCallCap.String(), b.WindowSpend.String(),
		b.WindowStart, b.LastReset, b.UserID, b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rterrors.ErrConflict
		}
		return nil, err
	}
	cp := *b
	cp.Version = rowVersion
	return &cp, nil
}

func (r pgUserBudgets) ListAll(ctx context.Context) ([]*UserBudget, error) {
	var rows []userBudgetRow
	if err := r.q.SelectContext(ctx, &rows, `SELECT * FROM user_budgets`); err != nil {
		return nil, err
	}
	out := make([]*UserBudget, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toUserBudget()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// --- Credentials ---

type pgCredentials struct{ q queryer }

type credentialRow struct {
	UserID     string    `db:"user_id"`
	Provider   string    `db:"provider"`
	Ciphertext []byte    `db:"ciphertext"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
	RowVersion int64     `db:"row_version"`
}

func (row *credentialRow) toCredential() *Credential {
	return &Credential{
		UserID:     row.UserID,
		Provider:   row.Provider,
		Ciphertext: row.Ciphertext,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
		Version:    row.RowVersion,
	}
}

func (r pgCredentials) Get(ctx context.Context, userID, provider string) (*Credential, error) {
	var row credentialRow
	err := r.q.GetContext(ctx, &row, r.q.Rebind(`SELECT * FROM credentials WHERE user_id = ? AND provider = ?`), userID, provider)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toCredential(), nil
}

func (r pgCredentials) Upsert(ctx context.Context, c *Credential) (*Credential, error) {
	const q = `
		INSERT INTO credentials (user_id, provider, ciphertext, created_at, updated_at, row_version)
		VALUES ($1, $2, $3, now(), now(), 1)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext, updated_at = now(), row_version = credentials.row_version + 1
		RETURNING created_at, updated_at, row_version`
	var out struct {
		CreatedAt  time.Time `db:"created_at"`
		UpdatedAt  time.Time `db:"updated_at"`
		RowVersion int64     `db:"row_version"`
	}
	err := r.q.GetContext(ctx, &out, r.q.Rebind(q), c.UserID, c.Provider, c.Ciphertext)
	if err != nil {
		return nil, err
	}
	cp := *c
	cp.CreatedAt, cp.UpdatedAt, cp.Version = out.CreatedAt, out.UpdatedAt, out.RowVersion
	return &cp, nil
}
