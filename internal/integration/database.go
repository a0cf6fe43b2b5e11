package integration

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDatabase opens the SQLite database database commands run against.
func OpenDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// databaseCommand runs one statement. Writes are reversed by the
// caller-supplied undo statement; reads have nothing to undo.
type databaseCommand struct {
	lifecycle
	db *sql.DB
	p  *DatabaseParams
}

func newDatabaseCommand(db *sql.DB, p *DatabaseParams) *databaseCommand {
	return &databaseCommand{db: db, p: p}
}

func (c *databaseCommand) Kind() Kind     { return KindDatabase }
func (c *databaseCommand) Action() string { return c.p.Operation }

func (c *databaseCommand) Execute(ctx context.Context) (map[string]any, error) {
	if err := c.beginExecute("database"); err != nil {
		return nil, err
	}
	if c.db == nil {
		return nil, execErr(KindDatabase, c.p.Operation, fmt.Errorf("no database configured"))
	}

	if c.p.readOnly() {
		rows, err := c.db.QueryContext(ctx, c.p.Query, c.p.Args...)
		if err != nil {
			return nil, execErr(KindDatabase, c.p.Operation, err)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			n++
		}
		if err := rows.Err(); err != nil {
			return nil, execErr(KindDatabase, c.p.Operation, err)
		}
		c.markExecuted()
		return map[string]any{"rows": n, "read_only": true}, nil
	}

	res, err := c.db.ExecContext(ctx, c.p.Query, c.p.Args...)
	if err != nil {
		return nil, execErr(KindDatabase, c.p.Operation, err)
	}
	affected, _ := res.RowsAffected()
	c.markExecuted()
	return map[string]any{"rows_affected": affected, "read_only": false}, nil
}

func (c *databaseCommand) Undo(ctx context.Context) (map[string]any, error) {
	if err := c.beginUndo("database"); err != nil {
		return nil, err
	}
	if c.p.readOnly() {
		c.markUndone()
		return map[string]any{"read_only": true}, nil
	}
	res, err := c.db.ExecContext(ctx, c.p.UndoStatement, c.p.UndoArgs...)
	if err != nil {
		return nil, undoErr(KindDatabase, c.p.Operation, err)
	}
	affected, _ := res.RowsAffected()
	c.markUndone()
	return map[string]any{"rows_affected": affected}, nil
}
