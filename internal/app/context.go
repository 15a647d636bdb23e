package app

import (
	"database/sql"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/migrate"
)

// Env bundles the open database and resolved config for one workspace.
type Env struct {
	DB     *sql.DB
	Config *config.Config
}

// Open prepares a workspace: ensures the directory, opens the database,
// applies migrations and loads caseline.yml (falling back to defaults when
// the file is absent). Callers own closing the returned Env.
func Open(workspace string) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, err
	}
	return &Env{DB: conn, Config: cfg}, nil
}

// Close releases the database handle.
func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
