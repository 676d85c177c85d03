package db

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories bound to one transaction.
type Store struct {
	Conversations ConversationRepository
	Messages      MessageRepository
}

// Transactor runs a function against repositories that share a single transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(store Store) error) error
}

type gormTransactor struct {
	DB            *gorm.DB
	previewLength int
}

func NewTransactor(db *GormDB, previewLength int) Transactor {
	return &gormTransactor{DB: db.DB, previewLength: previewLength}
}

func (t *gormTransactor) WithinTransaction(ctx context.Context, fn func(store Store) error) error {
	err := t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(Store{
			Conversations: newConversationRepo(tx, t.previewLength),
			Messages:      newMessageRepo(tx),
		})
	})
	return storeError(err, "transaction")
}
