// Package store provides SQLite persistence for conversations, messages,
// queue entries and visitor tokens. Status changes are conditional updates
// so concurrent claimers serialize on the database row.
package store
