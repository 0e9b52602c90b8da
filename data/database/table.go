// Package database holds what the persistent message stores share.
package database

import "context"

// Table is a message store backed by one table or collection. Migrate must
// be safe to run on every start.
type Table interface {
	TableName() string
	Migrate(ctx context.Context) error
}
