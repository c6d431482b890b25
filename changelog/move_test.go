package changelog

import (
	"testing"

	"github.com/mjl-/bstore"
)

func TestMovesCollapse(t *testing.T) {
	tsetup(t)

	// Two chained moves of one message collapse to a single net move from the
	// original source to the latest destination.
	taddMove(t, 1, 5, 101, 102)
	m2 := taddMove(t, 1, 5, 102, 103)

	moves, err := Moves(ctxbg, pkglog, 1)
	tcheck(t, err, "get moves")
	tcompare(t, len(moves), 1)
	tcompare(t, moves[0].MessageID, int64(5))
	tcompare(t, moves[0].SrcMailboxID, int64(101))
	tcompare(t, moves[0].DstMailboxID, int64(103))
	tcompare(t, moves[0].LastID, m2.ID)

	// The entries stay in processing until an outcome is applied.
	tcompare(t, tmoveStatuses(t, 1), []Status{StatusProcessing, StatusProcessing})
}

func TestMovesRoundTrip(t *testing.T) {
	tsetup(t)

	// A chain that returns to the original mailbox is a no-op: no move
	// returned, entries deleted.
	taddMove(t, 1, 7, 101, 102)
	taddMove(t, 1, 7, 102, 101)

	moves, err := Moves(ctxbg, pkglog, 1)
	tcheck(t, err, "get moves")
	if moves != nil {
		t.Fatalf("got moves %v, expected nil after pruning", moves)
	}
	n, err := bstore.QueryDB[Move](ctxbg, DB).Count()
	tcheck(t, err, "counting moves")
	tcompare(t, n, 0)
}

func TestMovesNothingPending(t *testing.T) {
	tsetup(t)

	moves, err := Moves(ctxbg, pkglog, 1)
	tcheck(t, err, "get moves")
	if moves != nil {
		t.Fatalf("got moves %v, expected nil without pending entries", moves)
	}
}

func TestMovesMultipleMessages(t *testing.T) {
	tsetup(t)

	// Mixed chains: message 5 has a net move, message 7 is a no-op, message 9
	// has a single move. Emission order follows each message's first entry.
	taddMove(t, 1, 5, 101, 102)
	taddMove(t, 1, 7, 101, 103)
	taddMove(t, 1, 9, 104, 105)
	taddMove(t, 1, 5, 102, 103)
	taddMove(t, 1, 7, 103, 101)

	moves, err := Moves(ctxbg, pkglog, 1)
	tcheck(t, err, "get moves")
	tcompare(t, len(moves), 2)
	tcompare(t, moves[0].MessageID, int64(5))
	tcompare(t, moves[0].DstMailboxID, int64(103))
	tcompare(t, moves[1].MessageID, int64(9))

	// Only message 7's entries were pruned.
	n, err := bstore.QueryDB[Move](ctxbg, DB).FilterNonzero(Move{MessageID: 7}).Count()
	tcheck(t, err, "counting moves of message 7")
	tcompare(t, n, 0)
	n, err = bstore.QueryDB[Move](ctxbg, DB).Count()
	tcheck(t, err, "counting moves")
	tcompare(t, n, 3)
}

func TestCollapseOutOfOrder(t *testing.T) {
	// A lower id after a higher id signals store misbehavior. The result stays
	// deterministic: the higher id determines the destination.
	entries := []Move{
		{ID: 5, MessageID: 3, AccountID: 1, SrcMailboxID: 101, DstMailboxID: 102},
		{ID: 3, MessageID: 3, AccountID: 1, SrcMailboxID: 102, DstMailboxID: 103},
	}
	moves, noop := collapseMoves(pkglog, entries)
	tcompare(t, len(noop), 0)
	tcompare(t, len(moves), 1)
	tcompare(t, moves[0].DstMailboxID, int64(102))
	tcompare(t, moves[0].LastID, int64(5))
}

func TestCollapseChainGap(t *testing.T) {
	// The second entry's source does not match the folded destination. The
	// latest entry's destination wins.
	entries := []Move{
		{ID: 1, MessageID: 3, AccountID: 1, SrcMailboxID: 101, DstMailboxID: 102},
		{ID: 2, MessageID: 3, AccountID: 1, SrcMailboxID: 104, DstMailboxID: 105},
	}
	moves, noop := collapseMoves(pkglog, entries)
	tcompare(t, len(noop), 0)
	tcompare(t, len(moves), 1)
	tcompare(t, moves[0].SrcMailboxID, int64(101))
	tcompare(t, moves[0].DstMailboxID, int64(105))
	tcompare(t, moves[0].LastID, int64(2))
}

func TestMoveOutcomes(t *testing.T) {
	tsetup(t)

	taddMove(t, 1, 5, 101, 102)
	taddMove(t, 1, 6, 101, 102)
	taddMove(t, 1, 7, 101, 102)

	moves, err := Moves(ctxbg, pkglog, 1)
	tcheck(t, err, "get moves")
	tcompare(t, len(moves), 3)

	err = MoveSuccess(ctxbg, []int64{5})
	tcheck(t, err, "move success")
	err = MoveRetry(ctxbg, []int64{6})
	tcheck(t, err, "move retry")
	err = MoveFail(ctxbg, []int64{7})
	tcheck(t, err, "move fail")

	// Message 5 deleted, 6 back to none, 7 failed.
	n, err := bstore.QueryDB[Move](ctxbg, DB).FilterNonzero(Move{MessageID: 5}).Count()
	tcheck(t, err, "counting moves of message 5")
	tcompare(t, n, 0)
	tcompare(t, tmoveStatuses(t, 1), []Status{StatusNone, StatusFailed})

	// The next sweep claims only the released message and returns its move
	// again.
	moves, err = Moves(ctxbg, pkglog, 1)
	tcheck(t, err, "get moves after retry")
	tcompare(t, len(moves), 1)
	tcompare(t, moves[0].MessageID, int64(6))
}
