package changelog

import (
	"context"
	"log/slog"

	"github.com/mjl-/movesync/metrics"
	"github.com/mjl-/movesync/mlog"
)

// StateChange is a logged pending change to the flags of a message, e.g.
// marking it seen or flagged locally. Like moves, multiple state changes may
// be pending per message and are collapsed per sweep.
type StateChange struct {
	ID int64

	MessageID int64 `bstore:"nonzero,index"`

	// Remote id of the message. Empty if the message has not been synced to the
	// server yet, such entries are pruned during collapse: the flags travel
	// with the first sync of the message instead.
	MessageServerID string

	AccountID int64 `bstore:"nonzero,index AccountID+Status"`
	Status    Status

	// Remote id of the mailbox currently holding the message, needed to address
	// the message on the server.
	MailboxServerID string

	OldSeen bool
	NewSeen bool

	OldFlagged bool
	NewFlagged bool
}

// NetState is the collapse of all pending state changes of a single message:
// the flags the server last knew about and the current local flags.
type NetState struct {
	MessageID       int64
	MessageServerID string
	MailboxServerID string

	// From the earliest pending entry.
	OldSeen    bool
	OldFlagged bool

	// From the latest pending entry.
	Seen    bool
	Flagged bool

	// ID of the last entry contributing to this net state.
	LastID int64
}

// AddState appends a state change to the change log. The ID is assigned by
// the store and set on c.
func AddState(ctx context.Context, c *StateChange) error {
	c.Status = StatusNone
	return DB.Insert(ctx, c)
}

// States claims all pending state change entries of the account and returns
// the net change per message, ordered by each message's first pending entry.
// Pruned, with their entries deleted: chains whose final flags equal the
// original flags, and messages without a remote id. Returns nil if nothing was
// claimed, or everything was pruned.
//
// Like Moves, an entry with an ID at or below an already folded entry is
// logged and counted as an ordering violation and does not override the flags
// from the higher ID.
func States(ctx context.Context, log mlog.Log, accountID int64) ([]NetState, error) {
	claimed, err := beginProcessing[StateChange](ctx, accountID)
	if err != nil {
		return nil, err
	}
	metrics.ClaimedAdd("state", claimed)
	if claimed == 0 {
		return nil, nil
	}

	entries, err := orderedPending[StateChange](ctx, accountID)
	if err != nil {
		return nil, err
	}

	states, prunedNoop, prunedUnsynced := collapseStates(log, entries)
	if n := len(prunedNoop); n > 0 {
		metrics.PrunedAdd("state", "noop", n)
	}
	if n := len(prunedUnsynced); n > 0 {
		metrics.PrunedAdd("state", "unsynced", n)
	}
	if pruned := append(prunedNoop, prunedUnsynced...); len(pruned) > 0 {
		if _, err := deleteMessages[StateChange](ctx, pruned); err != nil {
			return nil, err
		}
		log.Debugx("pruned state change chains", nil, slog.Int("messages", len(pruned)))
	}
	return states, nil
}

// collapseStates folds state change entries into one net change per message,
// in order of each message's first entry. Messages whose final flags equal the
// original flags and messages without a remote id are returned separately for
// pruning.
func collapseStates(log mlog.Log, entries []StateChange) (states []NetState, noop, unsynced []int64) {
	byMsg := map[int64]*NetState{}
	var order []*NetState
	for _, e := range entries {
		ns := byMsg[e.MessageID]
		if ns == nil {
			ns = &NetState{
				MessageID:       e.MessageID,
				MessageServerID: e.MessageServerID,
				MailboxServerID: e.MailboxServerID,
				OldSeen:         e.OldSeen,
				OldFlagged:      e.OldFlagged,
				Seen:            e.NewSeen,
				Flagged:         e.NewFlagged,
				LastID:          e.ID,
			}
			byMsg[e.MessageID] = ns
			order = append(order, ns)
			continue
		}
		if e.ID <= ns.LastID {
			metrics.InconsistencyInc("state", "order")
			log.Errorx("state change log out of order for message, keeping highest id", nil,
				slog.Int64("messageid", e.MessageID),
				slog.Int64("id", e.ID),
				slog.Int64("lastid", ns.LastID))
			continue
		}
		ns.Seen = e.NewSeen
		ns.Flagged = e.NewFlagged
		ns.MailboxServerID = e.MailboxServerID
		ns.LastID = e.ID
	}

	for _, ns := range order {
		if ns.MessageServerID == "" {
			unsynced = append(unsynced, ns.MessageID)
		} else if ns.Seen == ns.OldSeen && ns.Flagged == ns.OldFlagged {
			noop = append(noop, ns.MessageID)
		} else {
			states = append(states, *ns)
		}
	}
	return states, noop, unsynced
}

// StateSuccess deletes the state change entries for messages whose net change
// the remote server accepted.
func StateSuccess(ctx context.Context, messageIDs []int64) error {
	metrics.UpsyncAdd("state", "ok", len(messageIDs))
	_, err := deleteMessages[StateChange](ctx, messageIDs)
	return err
}

// StateRetry releases the state change entries for these messages so the next
// sweep claims and resends them.
func StateRetry(ctx context.Context, messageIDs []int64) error {
	metrics.UpsyncAdd("state", "retry", len(messageIDs))
	_, err := setMessagesStatus[StateChange](ctx, messageIDs, StatusNone)
	return err
}

// StateFail marks the state change entries for these messages failed,
// abandoning the upsync.
func StateFail(ctx context.Context, messageIDs []int64) error {
	metrics.UpsyncAdd("state", "fail", len(messageIDs))
	_, err := setMessagesStatus[StateChange](ctx, messageIDs, StatusFailed)
	return err
}
