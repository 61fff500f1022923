package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/model"
	"github.com/sakif/linelink/internal/repository"
)

var _ repository.UserDocuments = (*Collection)(nil)

var tracer = otel.Tracer("github.com/sakif/linelink/internal/repository/sqlite")

// Collection stores user records as JSON documents in one table.
type Collection struct {
	db   *DB
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// run wraps one store operation: a span, the request timeout and the
// collection existence check. Not-found and conflict are normal outcomes and
// do not mark the span as failed.
func (c *Collection) run(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "docstore."+op, trace.WithAttributes(
		append(attrs, attribute.String("db.collection.name", c.name))...,
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.db.timeout)
	defer cancel()

	if _, err := c.db.collections.EnsureExists(ctx, c.name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure collection")
		return err
	}

	err := fn(ctx)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) && !errors.Is(err, apperror.ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
	}
	return err
}

func newETag() string {
	return xid.New().String()
}

// Create assigns a new id and etag and inserts the record. On success the
// caller's record carries the id, etag and timestamp.
func (c *Collection) Create(ctx context.Context, record *model.UserRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("sqlite: creating document: %w", apperror.InvalidArgument("record"))
	}

	doc := *record
	doc.ID = xid.New().String()
	doc.ETag = newETag()
	doc.Timestamp = time.Now().Unix()

	err := c.run(ctx, "Create", func(ctx context.Context) error {
		body, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("sqlite: encoding document: %w", err)
		}
		_, err = c.db.conn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, etag, ts, body) VALUES (?, ?, ?, ?)`, c.name),
			doc.ID, doc.ETag, doc.Timestamp, string(body),
		)
		if err != nil {
			return fmt.Errorf("sqlite: creating document in %s: %w", c.name, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	record.ID = doc.ID
	record.ETag = doc.ETag
	record.Timestamp = doc.Timestamp
	return doc.ID, nil
}

// Get returns the record with id, or apperror.ErrNotFound.
func (c *Collection) Get(ctx context.Context, id string) (*model.UserRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("sqlite: getting document: %w", apperror.InvalidArgument("id"))
	}

	var record *model.UserRecord
	err := c.run(ctx, "Get", func(ctx context.Context) error {
		row := c.db.conn.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id, etag, ts, body FROM %s WHERE id = ?`, c.name), id)
		r, err := scanDocument(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("document", id)
		}
		if err != nil {
			return fmt.Errorf("sqlite: getting document %s: %w", id, err)
		}
		record = r
		return nil
	}, attribute.String("db.document.id", id))
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Query scans the whole collection and returns every record match accepts.
// There are no secondary indexes; results come back in id order.
func (c *Collection) Query(ctx context.Context, match repository.Predicate) ([]*model.UserRecord, error) {
	if match == nil {
		return nil, fmt.Errorf("sqlite: querying documents: %w", apperror.InvalidArgument("predicate"))
	}

	var results []*model.UserRecord
	err := c.run(ctx, "Query", func(ctx context.Context) error {
		rows, err := c.db.conn.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, etag, ts, body FROM %s ORDER BY id`, c.name))
		if err != nil {
			return fmt.Errorf("sqlite: querying %s: %w", c.name, err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanDocument(rows)
			if err != nil {
				return fmt.Errorf("sqlite: scanning %s: %w", c.name, err)
			}
			if match(r) {
				results = append(results, r)
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlite: iterating %s: %w", c.name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Replace writes record only if the stored etag still equals expectedETag.
//
// The check and the write are a single UPDATE statement, so two writers
// holding the same etag cannot both succeed. The loser gets
// apperror.ErrConflict and nothing it sent is persisted. The caller's record
// is left untouched; the stored version is returned.
func (c *Collection) Replace(ctx context.Context, record *model.UserRecord, expectedETag string) (*model.UserRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("sqlite: replacing document: %w", apperror.InvalidArgument("record"))
	}
	if record.ID == "" {
		return nil, fmt.Errorf("sqlite: replacing document: %w", apperror.InvalidArgument("id"))
	}
	if expectedETag == "" {
		return nil, fmt.Errorf("sqlite: replacing document %s: %w", record.ID, apperror.InvalidArgument("etag"))
	}

	doc := *record
	doc.ETag = newETag()
	doc.Timestamp = time.Now().Unix()

	err := c.run(ctx, "Replace", func(ctx context.Context) error {
		body, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("sqlite: encoding document: %w", err)
		}

		res, err := c.db.conn.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET etag = ?, ts = ?, body = ? WHERE id = ? AND etag = ?`, c.name),
			doc.ETag, doc.Timestamp, string(body), doc.ID, expectedETag,
		)
		if err != nil {
			return fmt.Errorf("sqlite: replacing document %s: %w", doc.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: replacing document %s: %w", doc.ID, err)
		}
		if n > 0 {
			return nil
		}

		exists, err := c.exists(ctx, doc.ID)
		if err != nil {
			return err
		}
		if !exists {
			return apperror.NotFound("document", doc.ID)
		}
		return apperror.ConcurrencyFailure()
	}, attribute.String("db.document.id", doc.ID))
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete removes the record. Deleting a missing id is not an error; it
// reports false.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("sqlite: deleting document: %w", apperror.InvalidArgument("id"))
	}

	var deleted bool
	err := c.run(ctx, "Delete", func(ctx context.Context) error {
		res, err := c.db.conn.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.name), id)
		if err != nil {
			return fmt.Errorf("sqlite: deleting document %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: deleting document %s: %w", id, err)
		}
		deleted = n > 0
		return nil
	}, attribute.String("db.document.id", id))
	return deleted, err
}

// Count returns the number of records in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.run(ctx, "Count", func(ctx context.Context) error {
		err := c.db.conn.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.name)).Scan(&count)
		if err != nil {
			return fmt.Errorf("sqlite: counting %s: %w", c.name, err)
		}
		return nil
	})
	return count, err
}

func (c *Collection) exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := c.db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, c.name), id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking document %s: %w", id, err)
	}
	return count > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanDocument decodes a row. The id, etag and ts columns win over whatever
// the body says, since only the columns take part in the etag check.
func scanDocument(s scanner) (*model.UserRecord, error) {
	var (
		id, etag, body string
		ts             int64
	)
	if err := s.Scan(&id, &etag, &ts, &body); err != nil {
		return nil, err
	}

	var record model.UserRecord
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}
	record.ID = id
	record.ETag = etag
	record.Timestamp = ts
	return &record, nil
}
