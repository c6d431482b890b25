// Package changelog tracks pending local changes to messages (mailbox moves,
// flag changes) that still have to be pushed to the remote mail server, and
// collapses them into one net change per message for upsyncing.
//
// Each change is appended to a per-kind log table in a bstore database. An
// upsync sweep claims all pending entries of an account, collapses them, and
// after the remote attempt reports the per-message outcome back, deleting the
// entries (success), releasing them for a new attempt (retry) or marking them
// failed.
//
// Claiming is a two-phase status sweep that makes interrupted attempts safe
// without locks: entries still marked processing from a crashed or abandoned
// attempt are demoted to failed before new entries are claimed, so no entry is
// silently dropped or double-claimed across attempts. Callers must not run two
// concurrent sweeps for the same account, their claims would race.
package changelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"
)

// Status is the upsync lifecycle state of a change log entry.
type Status uint8

const (
	// Newly logged, not yet part of an upsync attempt.
	StatusNone Status = 0

	// Claimed by an in-flight upsync attempt.
	StatusProcessing Status = 1

	// A previous attempt did not complete and was superseded, or the remote
	// server rejected the change. A higher layer reconciles local state.
	StatusFailed Status = 2
)

// DBTypes lists the types stored in DB. Exported for backups.
var DBTypes = []any{Move{}, StateChange{}}

// DB is the change log database, for all accounts. Nil until Init.
var DB *bstore.DB

// Init opens the change log database, creating it if needed.
func Init(ctx context.Context, path string) error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	var err error
	DB, err = bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return fmt.Errorf("open change log database: %v", err)
	}
	return nil
}

// Close closes the change log database.
func Close() error {
	if DB == nil {
		return fmt.Errorf("not open")
	}
	err := DB.Close()
	DB = nil
	return err
}

// The operations below are generic over the change log entry type. An entry
// type must have an autoincrement int64 primary key "ID" (ascending ID is the
// chronological order of logging), and fields "MessageID", "AccountID" and
// "Status". bstore filters and updates reference the fields by name.

// beginProcessing claims all pending entries of an account for an upsync
// attempt, in a single write transaction. First any entry still in processing,
// left behind by an interrupted earlier attempt, is marked failed. Then all
// new entries are moved from none to processing. The number of newly claimed
// entries is returned, zero means there is nothing to upsync.
func beginProcessing[T any](ctx context.Context, accountID int64) (int, error) {
	var claimed int
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[T](tx)
		q.FilterEqual("AccountID", accountID)
		q.FilterEqual("Status", StatusProcessing)
		if _, err := q.UpdateField("Status", StatusFailed); err != nil {
			return fmt.Errorf("failing entries of interrupted attempt: %v", err)
		}

		q = bstore.QueryTx[T](tx)
		q.FilterEqual("AccountID", accountID)
		q.FilterEqual("Status", StatusNone)
		n, err := q.UpdateField("Status", StatusProcessing)
		if err != nil {
			return fmt.Errorf("claiming new entries: %v", err)
		}
		claimed = n
		return nil
	})
	return claimed, err
}

// orderedPending returns the entries claimed by beginProcessing for the
// account, in ascending ID order. Only valid as part of the same logical sweep
// as a beginProcessing call: without it, stale processing markers from an
// earlier attempt would be returned.
func orderedPending[T any](ctx context.Context, accountID int64) ([]T, error) {
	q := bstore.QueryDB[T](ctx, DB)
	q.FilterEqual("AccountID", accountID)
	q.FilterEqual("Status", StatusProcessing)
	q.SortAsc("ID")
	return q.List()
}

// deleteMessages removes all entries for the given messages, regardless of
// status. Used after successful upsync and after pruning. No-op for an empty
// set.
func deleteMessages[T any](ctx context.Context, messageIDs []int64) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	q := bstore.QueryDB[T](ctx, DB)
	q.FilterEqual("MessageID", idValues(messageIDs)...)
	return q.Delete()
}

// setMessagesStatus assigns status to all entries for the given messages, for
// the retry (none) and fail (failed) outcomes. No-op for an empty set.
func setMessagesStatus[T any](ctx context.Context, messageIDs []int64, status Status) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	q := bstore.QueryDB[T](ctx, DB)
	q.FilterEqual("MessageID", idValues(messageIDs)...)
	return q.UpdateField("Status", status)
}

func idValues(ids []int64) []any {
	l := make([]any, len(ids))
	for i, id := range ids {
		l[i] = id
	}
	return l
}
