package objectstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/lethe/pkg/fatfs"
)

// catalogSchemaVersion is stored in SQLite's user_version pragma. Bump it
// whenever the schema changes; a mismatch on open triggers a full rebuild.
const catalogSchemaVersion = 1

const catalogBusyTimeoutMS = 10000

// catalog is a rebuildable SQLite index over `ids/<hex1>/<hex32>`, so
// [Store.AllObjectIDs] never needs to walk every fan-out directory on
// every call. The fan-out directories themselves remain the source of
// truth; the catalog is a derived, disposable cache.
type catalog struct {
	db *sql.DB
}

// openCatalog opens (creating if necessary) the SQLite catalog at path. If
// the schema version stored in the database doesn't match
// [catalogSchemaVersion], openCatalog recreates the schema itself
// (rebuildSchema); filling in the rows is left to the caller.
func openCatalog(ctx context.Context, path string) (*catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA temp_store = MEMORY;
	`, catalogBusyTimeoutMS))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("catalog: pragmas: %w", err)
	}

	c := &catalog{db: db}

	version, err := c.schemaVersion(ctx)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	if version != catalogSchemaVersion {
		if err := c.rebuildSchema(ctx); err != nil {
			_ = db.Close()

			return nil, err
		}
	}

	return c, nil
}

func (c *catalog) schemaVersion(ctx context.Context) (int, error) {
	row := c.db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("catalog: read user_version: %w", err)
	}

	return version, nil
}

func (c *catalog) rebuildSchema(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin schema txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	statements := []string{
		"DROP TABLE IF EXISTS objects",
		`CREATE TABLE objects (
			id TEXT PRIMARY KEY
		) WITHOUT ROWID`,
		fmt.Sprintf("PRAGMA user_version = %d", catalogSchemaVersion),
	}

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit schema: %w", err)
	}

	committed = true

	return nil
}

// Insert records id as present in the catalog.
func (c *catalog) Insert(ctx context.Context, id ObjectID) error {
	_, err := c.db.ExecContext(ctx, "INSERT OR REPLACE INTO objects (id) VALUES (?)", id.String())
	if err != nil {
		return fmt.Errorf("catalog: insert %s: %w", id, err)
	}

	return nil
}

// Delete removes id from the catalog.
func (c *catalog) Delete(ctx context.Context, id ObjectID) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM objects WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("catalog: delete %s: %w", id, err)
	}

	return nil
}

// All returns every object ID currently recorded in the catalog.
func (c *catalog) All(ctx context.Context) ([]ObjectID, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT id FROM objects ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var ids []ObjectID

	for rows.Next() {
		var s string

		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}

		id, ok := ParseObjectID(s)
		if !ok {
			continue
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: rows: %w", err)
	}

	return ids, nil
}

// Count returns the number of objects currently recorded in the catalog.
func (c *catalog) Count(ctx context.Context) (int, error) {
	row := c.db.QueryRowContext(ctx, "SELECT count(*) FROM objects")

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}

	return n, nil
}

// Close closes the underlying database handle.
func (c *catalog) Close() error {
	return c.db.Close()
}

// rebuildFromVolume repopulates the catalog by scanning every `ids/<c>`
// fan-out directory concurrently, per spec.md §4.4's get_all_object_ids
// contract: only 32-hex-digit names are accepted, everything else
// (".", "..", short names) is skipped silently.
func rebuildFromVolume(ctx context.Context, vol *fatfs.Volume, c *catalog) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: rebuild begin: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM objects"); err != nil {
		return fmt.Errorf("catalog: rebuild clear: %w", err)
	}

	fanoutDirs := make([]string, 16)

	for i := 0; i < 16; i++ {
		fanoutDirs[i] = fmt.Sprintf("ids/%x", i)
	}

	type fanoutResult struct {
		ids []ObjectID
	}

	results := make([]fanoutResult, len(fanoutDirs))

	group, gctx := errgroup.WithContext(ctx)

	for i, dir := range fanoutDirs {
		i, dir := i, dir

		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			entries, err := vol.ReadDir(dir)
			if err != nil {
				// Missing fan-out directories are normal (no object has
				// hashed into this bucket yet); any other failure is real.
				if isNotExist(err) {
					return nil
				}

				return fmt.Errorf("catalog: scan %s: %w", dir, err)
			}

			var ids []ObjectID

			for _, e := range entries {
				id, ok := ParseObjectID(e.Name)
				if !ok {
					continue
				}

				ids = append(ids, id)
			}

			results[i] = fanoutResult{ids: ids}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("catalog: rebuild scan: %w", err)
	}

	for _, r := range results {
		for _, id := range r.ids {
			if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO objects (id) VALUES (?)", id.String()); err != nil {
				return fmt.Errorf("catalog: rebuild insert %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: rebuild commit: %w", err)
	}

	committed = true

	return nil
}
