// Package repository declares the storage contracts the service layer depends on.
package repository

import (
	"context"

	"github.com/sakif/linelink/internal/model"
)

// Predicate selects records during a Query scan.
type Predicate func(*model.UserRecord) bool

// UserDocuments is a collection of user records with version-checked writes.
//
// Expected outcomes are typed errors: apperror.ErrNotFound from Get and
// Replace, apperror.ErrConflict from Replace when expectedETag is stale.
// A conflicting Replace never applies any part of the write.
type UserDocuments interface {
	Create(ctx context.Context, record *model.UserRecord) (string, error)
	Get(ctx context.Context, id string) (*model.UserRecord, error)
	Query(ctx context.Context, match Predicate) ([]*model.UserRecord, error)
	Replace(ctx context.Context, record *model.UserRecord, expectedETag string) (*model.UserRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int64, error)
}
