package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOKRStore implements OKRService on a sqlite database.
type SQLiteOKRStore struct {
	db *sql.DB
}

// NewSQLiteOKRStore opens the database and runs migrations.
func NewSQLiteOKRStore(dsn string) (*SQLiteOKRStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection so the schema survives across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteOKRStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteOKRStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS objectives (
			objective_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			owner TEXT,
			quarter TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS key_results (
			key_result_id TEXT PRIMARY KEY,
			objective_id TEXT NOT NULL,
			title TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			FOREIGN KEY (objective_id) REFERENCES objectives(objective_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_key_results_objective ON key_results(objective_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteOKRStore) Close() error {
	return s.db.Close()
}

// CreateOKR inserts an objective with its key results, all at zero progress.
func (s *SQLiteOKRStore) CreateOKR(ctx context.Context, title, owner, quarter string, keyResults []string) (Objective, error) {
	if title == "" {
		return Objective{}, fmt.Errorf("title is required")
	}

	obj := Objective{
		ID:        "okr_" + uuid.New().String()[:8],
		Title:     title,
		Owner:     owner,
		Quarter:   quarter,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Objective{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objectives (objective_id, title, owner, quarter, created_at) VALUES (?, ?, ?, ?, ?)`,
		obj.ID, obj.Title, obj.Owner, obj.Quarter, obj.CreatedAt)
	if err != nil {
		return Objective{}, fmt.Errorf("failed to insert objective: %w", err)
	}

	for _, krTitle := range keyResults {
		kr := KeyResult{
			ID:          "kr_" + uuid.New().String()[:8],
			ObjectiveID: obj.ID,
			Title:       krTitle,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO key_results (key_result_id, objective_id, title, progress) VALUES (?, ?, ?, 0)`,
			kr.ID, kr.ObjectiveID, kr.Title)
		if err != nil {
			return Objective{}, fmt.Errorf("failed to insert key result: %w", err)
		}
		obj.KeyResults = append(obj.KeyResults, kr)
	}

	if err := tx.Commit(); err != nil {
		return Objective{}, fmt.Errorf("failed to commit: %w", err)
	}
	return obj, nil
}

// UpdateProgress sets a key result's progress and returns the recomputed
// objective.
func (s *SQLiteOKRStore) UpdateProgress(ctx context.Context, keyResultID string, progress float64) (Objective, error) {
	if progress < 0 || progress > 1 {
		return Objective{}, fmt.Errorf("progress must be between 0 and 1")
	}

	var objectiveID string
	err := s.db.QueryRowContext(ctx,
		`SELECT objective_id FROM key_results WHERE key_result_id = ?`, keyResultID).Scan(&objectiveID)
	if err == sql.ErrNoRows {
		return Objective{}, fmt.Errorf("key result %s not found", keyResultID)
	}
	if err != nil {
		return Objective{}, fmt.Errorf("failed to look up key result: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE key_results SET progress = ? WHERE key_result_id = ?`, progress, keyResultID)
	if err != nil {
		return Objective{}, fmt.Errorf("failed to update progress: %w", err)
	}

	return s.getObjective(ctx, objectiveID)
}

// DashboardData returns all objectives with their key results and the overall
// average progress.
func (s *SQLiteOKRStore) DashboardData(ctx context.Context) (Dashboard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT objective_id FROM objectives ORDER BY created_at, objective_id`)
	if err != nil {
		return Dashboard{}, fmt.Errorf("failed to list objectives: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Dashboard{}, fmt.Errorf("failed to scan objective: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return Dashboard{}, fmt.Errorf("failed to iterate objectives: %w", err)
	}

	dashboard := Dashboard{}
	for _, id := range ids {
		obj, err := s.getObjective(ctx, id)
		if err != nil {
			return Dashboard{}, err
		}
		dashboard.Objectives = append(dashboard.Objectives, obj)
		dashboard.AverageProgress += obj.Progress
	}
	if len(dashboard.Objectives) > 0 {
		dashboard.AverageProgress /= float64(len(dashboard.Objectives))
	}
	return dashboard, nil
}

func (s *SQLiteOKRStore) getObjective(ctx context.Context, objectiveID string) (Objective, error) {
	var obj Objective
	err := s.db.QueryRowContext(ctx,
		`SELECT objective_id, title, COALESCE(owner, ''), COALESCE(quarter, ''), created_at
		 FROM objectives WHERE objective_id = ?`, objectiveID).
		Scan(&obj.ID, &obj.Title, &obj.Owner, &obj.Quarter, &obj.CreatedAt)
	if err == sql.ErrNoRows {
		return Objective{}, fmt.Errorf("objective %s not found", objectiveID)
	}
	if err != nil {
		return Objective{}, fmt.Errorf("failed to get objective: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key_result_id, objective_id, title, progress
		 FROM key_results WHERE objective_id = ? ORDER BY key_result_id`, objectiveID)
	if err != nil {
		return Objective{}, fmt.Errorf("failed to list key results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kr KeyResult
		if err := rows.Scan(&kr.ID, &kr.ObjectiveID, &kr.Title, &kr.Progress); err != nil {
			return Objective{}, fmt.Errorf("failed to scan key result: %w", err)
		}
		obj.KeyResults = append(obj.KeyResults, kr)
		obj.Progress += kr.Progress
	}
	if err := rows.Err(); err != nil {
		return Objective{}, fmt.Errorf("failed to iterate key results: %w", err)
	}
	if len(obj.KeyResults) > 0 {
		obj.Progress /= float64(len(obj.KeyResults))
	}
	return obj, nil
}
