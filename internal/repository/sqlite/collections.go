package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sakif/linelink/internal/apperror"
)

var (
	collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	errInvalidName        = fmt.Errorf("%w: collection name must be an identifier", apperror.ErrInvalidArgument)
)

func validCollectionName(name string) bool {
	return collectionNamePattern.MatchString(name)
}

// Initializer makes sure a collection's table exists before it is used.
//
// Names are cached once created and never evicted: collections are assumed
// not to be dropped while the process runs. Concurrent first calls for the
// same name share one round trip, and the DDL itself is idempotent.
type Initializer struct {
	conn  *sql.DB
	known sync.Map // collection name → struct{}
	group singleflight.Group
}

// NewInitializer creates an Initializer with an empty cache.
func NewInitializer(conn *sql.DB) *Initializer {
	return &Initializer{conn: conn}
}

// EnsureExists creates the collection if needed. It reports true only when
// this call (or the call it joined) created the table.
func (in *Initializer) EnsureExists(ctx context.Context, name string) (bool, error) {
	if _, ok := in.known.Load(name); ok {
		return false, nil
	}
	if !validCollectionName(name) {
		return false, fmt.Errorf("sqlite: collection %q: %w", name, errInvalidName)
	}

	v, err, _ := in.group.Do(name, func() (any, error) {
		if _, ok := in.known.Load(name); ok {
			return false, nil
		}
		created, err := in.getOrCreate(ctx, name)
		if err != nil {
			return false, err
		}
		in.known.LoadOrStore(name, struct{}{})
		return created, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (in *Initializer) getOrCreate(ctx context.Context, name string) (bool, error) {
	var count int
	err := in.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking collection %s: %w", name, err)
	}
	if count > 0 {
		return false, nil
	}

	// name is a validated identifier, so formatting it into DDL is safe.
	_, err = in.conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id   TEXT PRIMARY KEY,
			etag TEXT NOT NULL,
			ts   INTEGER NOT NULL,
			body TEXT NOT NULL
		)`, name))
	if err != nil {
		return false, fmt.Errorf("sqlite: creating collection %s: %w", name, err)
	}
	return true, nil
}
