// Package repository provides a generic gorm-backed store for simple
// filtered reads and inserts. Locking reads and state transitions are written
// as explicit SQL in each domain repository.
package repository

import (
	"context"

	"gorm.io/gorm"
)

type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	BatchCreate(ctx context.Context, resources []*T) error
	Count(ctx context.Context, query *T, opts ...QueryOption) (int64, error)
}

// QueryOption refines a filtered query.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// Where adds a condition the struct filter cannot express (ranges, IN).
func Where(query string, args ...any) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) })
}

// OrderBy sorts results; column must be a trusted identifier.
func OrderBy(column string, desc bool) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if desc {
			return db.Order(column + " DESC")
		}
		return db.Order(column + " ASC")
	})
}

// Paginate applies limit and offset. A non-positive limit is ignored.
func Paginate(limit, offset int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			db = db.Limit(limit)
		}
		if offset > 0 {
			db = db.Offset(offset)
		}
		return db
	})
}
