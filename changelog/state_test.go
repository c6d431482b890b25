package changelog

import (
	"testing"

	"github.com/mjl-/bstore"
)

func taddState(t *testing.T, accountID, messageID int64, serverID string, oldSeen, newSeen bool) StateChange {
	t.Helper()
	c := StateChange{
		AccountID:       accountID,
		MessageID:       messageID,
		MessageServerID: serverID,
		MailboxServerID: "INBOX",
		OldSeen:         oldSeen,
		NewSeen:         newSeen,
	}
	err := AddState(ctxbg, &c)
	tcheck(t, err, "adding state change")
	return c
}

func TestStatesCollapse(t *testing.T) {
	tsetup(t)

	// Unseen -> seen, then a flagged change on top: one net change carrying the
	// original old values and the latest new values.
	taddState(t, 1, 5, "100", false, true)
	c2 := StateChange{
		AccountID:       1,
		MessageID:       5,
		MessageServerID: "100",
		MailboxServerID: "INBOX",
		OldSeen:         true,
		NewSeen:         true,
		OldFlagged:      false,
		NewFlagged:      true,
	}
	err := AddState(ctxbg, &c2)
	tcheck(t, err, "adding state change")

	states, err := States(ctxbg, pkglog, 1)
	tcheck(t, err, "get states")
	tcompare(t, len(states), 1)
	tcompare(t, states[0].MessageID, int64(5))
	tcompare(t, states[0].OldSeen, false)
	tcompare(t, states[0].Seen, true)
	tcompare(t, states[0].OldFlagged, false)
	tcompare(t, states[0].Flagged, true)
	tcompare(t, states[0].LastID, c2.ID)
}

func TestStatesRoundTrip(t *testing.T) {
	tsetup(t)

	// Seen toggled on and off again: net no-op, entries deleted.
	taddState(t, 1, 7, "100", false, true)
	taddState(t, 1, 7, "100", true, false)

	states, err := States(ctxbg, pkglog, 1)
	tcheck(t, err, "get states")
	if states != nil {
		t.Fatalf("got states %v, expected nil after pruning", states)
	}
	n, err := bstore.QueryDB[StateChange](ctxbg, DB).Count()
	tcheck(t, err, "counting state changes")
	tcompare(t, n, 0)
}

func TestStatesUnsynced(t *testing.T) {
	tsetup(t)

	// A message without a remote id cannot be addressed on the server. Its
	// entries are pruned, the flags travel with the first sync instead.
	taddState(t, 1, 9, "", false, true)
	taddState(t, 1, 10, "100", false, true)

	states, err := States(ctxbg, pkglog, 1)
	tcheck(t, err, "get states")
	tcompare(t, len(states), 1)
	tcompare(t, states[0].MessageID, int64(10))

	n, err := bstore.QueryDB[StateChange](ctxbg, DB).FilterNonzero(StateChange{MessageID: 9}).Count()
	tcheck(t, err, "counting state changes of message 9")
	tcompare(t, n, 0)
}

func TestCollapseStatesOutOfOrder(t *testing.T) {
	entries := []StateChange{
		{ID: 5, MessageID: 3, AccountID: 1, MessageServerID: "100", MailboxServerID: "INBOX", OldSeen: false, NewSeen: true},
		{ID: 3, MessageID: 3, AccountID: 1, MessageServerID: "100", MailboxServerID: "INBOX", OldSeen: true, NewSeen: false},
	}
	states, noop, unsynced := collapseStates(pkglog, entries)
	tcompare(t, len(noop), 0)
	tcompare(t, len(unsynced), 0)
	tcompare(t, len(states), 1)
	tcompare(t, states[0].Seen, true)
	tcompare(t, states[0].LastID, int64(5))
}

func TestStateOutcomes(t *testing.T) {
	tsetup(t)

	taddState(t, 1, 5, "100", false, true)
	taddState(t, 1, 6, "101", false, true)

	states, err := States(ctxbg, pkglog, 1)
	tcheck(t, err, "get states")
	tcompare(t, len(states), 2)

	err = StateSuccess(ctxbg, []int64{5})
	tcheck(t, err, "state success")
	err = StateRetry(ctxbg, []int64{6})
	tcheck(t, err, "state retry")

	n, err := bstore.QueryDB[StateChange](ctxbg, DB).Count()
	tcheck(t, err, "counting state changes")
	tcompare(t, n, 1)

	states, err = States(ctxbg, pkglog, 1)
	tcheck(t, err, "get states after retry")
	tcompare(t, len(states), 1)
	tcompare(t, states[0].MessageID, int64(6))
}
