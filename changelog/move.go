package changelog

import (
	"context"
	"log/slog"

	"github.com/mjl-/movesync/metrics"
	"github.com/mjl-/movesync/mlog"
)

// Move is a logged pending mailbox move of a message. Multiple moves may be
// pending for a single message. Append with AddMove, claim and collapse with
// Moves.
type Move struct {
	ID int64

	// Message being moved. Not unique, a message can have several pending moves.
	MessageID int64 `bstore:"nonzero,index"`

	// Remote id of the message at the time the move was logged. Empty if the
	// message has not been synced to the server yet.
	MessageServerID string

	AccountID int64 `bstore:"nonzero,index AccountID+Status"`
	Status    Status

	// Local ids of the move endpoints.
	SrcMailboxID int64
	DstMailboxID int64

	// Remote ids of the move endpoints, e.g. IMAP mailbox names.
	SrcMailboxServerID string
	DstMailboxServerID string
}

// NetMove is the collapse of all pending moves of a single message: from the
// mailbox the server last knew about to the current local destination.
type NetMove struct {
	MessageID       int64
	MessageServerID string

	// Source of the earliest pending move.
	SrcMailboxID       int64
	SrcMailboxServerID string

	// Destination of the latest pending move.
	DstMailboxID       int64
	DstMailboxServerID string

	// ID of the last entry contributing to this net move, for resolving against
	// changes logged while the upsync attempt was in flight.
	LastID int64
}

// AddMove appends a move to the change log, to be picked up by the next
// sweep. Logged when a message is moved locally. The ID is assigned by the
// store and set on m.
func AddMove(ctx context.Context, m *Move) error {
	m.Status = StatusNone
	return DB.Insert(ctx, m)
}

// Moves claims all pending move entries of the account and returns the net
// move per message, ordered by each message's first pending entry. Chains
// whose net effect leaves the message in its original mailbox are pruned: their
// entries are deleted and no move is returned for them. Returns nil if nothing
// was claimed, or everything was pruned.
//
// Entries are collapsed in ascending ID order, which is the order the moves
// happened in. An entry with an ID at or below that of an already folded entry
// for the same message, or with a source mailbox that does not match the
// destination so far, indicates log corruption or a concurrent writer. Both
// are logged and counted, not fatal: the entry with the highest ID keeps
// determining the final destination.
func Moves(ctx context.Context, log mlog.Log, accountID int64) ([]NetMove, error) {
	claimed, err := beginProcessing[Move](ctx, accountID)
	if err != nil {
		return nil, err
	}
	metrics.ClaimedAdd("move", claimed)
	if claimed == 0 {
		return nil, nil
	}

	entries, err := orderedPending[Move](ctx, accountID)
	if err != nil {
		return nil, err
	}

	moves, noop := collapseMoves(log, entries)
	if len(noop) > 0 {
		metrics.PrunedAdd("move", "noop", len(noop))
		if _, err := deleteMessages[Move](ctx, noop); err != nil {
			return nil, err
		}
		log.Debugx("pruned no-op move chains", nil, slog.Int("messages", len(noop)))
	}
	return moves, nil
}

// collapseMoves folds move entries into one net move per message, in order of
// each message's first entry, and returns the messages whose chain ended up
// back where it started. Entries are expected in ascending ID order, the
// defenses against misordering keep the result deterministic regardless.
func collapseMoves(log mlog.Log, entries []Move) (moves []NetMove, noop []int64) {
	byMsg := map[int64]*NetMove{}
	var order []*NetMove
	for _, e := range entries {
		nm := byMsg[e.MessageID]
		if nm == nil {
			nm = &NetMove{
				MessageID:          e.MessageID,
				MessageServerID:    e.MessageServerID,
				SrcMailboxID:       e.SrcMailboxID,
				SrcMailboxServerID: e.SrcMailboxServerID,
				DstMailboxID:       e.DstMailboxID,
				DstMailboxServerID: e.DstMailboxServerID,
				LastID:             e.ID,
			}
			byMsg[e.MessageID] = nm
			order = append(order, nm)
			continue
		}
		if e.ID <= nm.LastID {
			metrics.InconsistencyInc("move", "order")
			log.Errorx("move log out of order for message, keeping highest id", nil,
				slog.Int64("messageid", e.MessageID),
				slog.Int64("id", e.ID),
				slog.Int64("lastid", nm.LastID))
			continue
		}
		if e.SrcMailboxID != nm.DstMailboxID {
			metrics.InconsistencyInc("move", "chain")
			log.Errorx("gap in move log chain for message, trusting latest entry", nil,
				slog.Int64("messageid", e.MessageID),
				slog.Int64("entrysrc", e.SrcMailboxID),
				slog.Int64("foldeddst", nm.DstMailboxID))
		}
		nm.DstMailboxID = e.DstMailboxID
		nm.DstMailboxServerID = e.DstMailboxServerID
		nm.LastID = e.ID
	}

	// Chains that ended up back where they started have nothing to tell the
	// server, their entries are cleaned up right away by the caller.
	for _, nm := range order {
		if nm.SrcMailboxID == nm.DstMailboxID {
			noop = append(noop, nm.MessageID)
		} else {
			moves = append(moves, *nm)
		}
	}
	return moves, noop
}

// MoveSuccess deletes the move entries for messages whose net move the remote
// server accepted. The move is durably reflected remotely, nothing left to
// track.
func MoveSuccess(ctx context.Context, messageIDs []int64) error {
	metrics.UpsyncAdd("move", "ok", len(messageIDs))
	_, err := deleteMessages[Move](ctx, messageIDs)
	return err
}

// MoveRetry releases the move entries for these messages so the next sweep
// claims and resends them.
func MoveRetry(ctx context.Context, messageIDs []int64) error {
	metrics.UpsyncAdd("move", "retry", len(messageIDs))
	_, err := setMessagesStatus[Move](ctx, messageIDs, StatusNone)
	return err
}

// MoveFail marks the move entries for these messages failed, abandoning the
// upsync. The caller is responsible for reconciling local state, e.g. moving
// the message back.
func MoveFail(ctx context.Context, messageIDs []int64) error {
	metrics.UpsyncAdd("move", "fail", len(messageIDs))
	_, err := setMessagesStatus[Move](ctx, messageIDs, StatusFailed)
	return err
}
