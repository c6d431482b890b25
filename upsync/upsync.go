// Package upsync pushes collapsed pending changes from the change log to the
// remote IMAP server and applies the per-message outcomes back to the log.
//
// A sweep is crash-safe: an interrupted sweep leaves entries in processing,
// which the next sweep demotes to failed before claiming new work. Do not run
// two sweeps for the same account concurrently, their claims would race.
package upsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mjl-/movesync/changelog"
	"github.com/mjl-/movesync/config"
	"github.com/mjl-/movesync/mlog"
)

// Sweep runs one reconcile-and-upsync pass for an account: claim and collapse
// the pending changes, send the net moves and flag changes to the server, and
// resolve each message's log entries as success, retry or fail.
func Sweep(ctx context.Context, log mlog.Log, name string, acc config.Account) error {
	moves, err := changelog.Moves(ctx, log, acc.ID)
	if err != nil {
		return fmt.Errorf("collapsing pending moves: %v", err)
	}
	states, err := changelog.States(ctx, log, acc.ID)
	if err != nil {
		return fmt.Errorf("collapsing pending state changes: %v", err)
	}
	if len(moves) == 0 && len(states) == 0 {
		log.Debugx("nothing to upsync", nil, slog.String("account", name))
		return nil
	}

	// Moves of messages the server doesn't know about yet cannot be sent, the
	// move travels with the first sync of the message. Released for a later
	// sweep, by then the message may have a server id.
	var unsynced []int64
	var sendable []changelog.NetMove
	for _, m := range moves {
		if m.MessageServerID == "" {
			unsynced = append(unsynced, m.MessageID)
		} else {
			sendable = append(sendable, m)
		}
	}
	if err := changelog.MoveRetry(ctx, unsynced); err != nil {
		return fmt.Errorf("releasing unsynced moves: %v", err)
	}

	groups, bad := groupMoves(sendable)
	if err := changelog.MoveFail(ctx, bad); err != nil {
		return fmt.Errorf("failing moves with malformed server ids: %v", err)
	}

	if len(groups) == 0 && len(states) == 0 {
		return nil
	}

	conn, err := connect(ctx, acc)
	if err != nil {
		// Whole attempt abandoned, release everything for a later sweep.
		var mids, sids []int64
		for _, g := range groups {
			mids = append(mids, g.messageIDs...)
		}
		for _, s := range states {
			sids = append(sids, s.MessageID)
		}
		if rerr := changelog.MoveRetry(ctx, mids); rerr != nil {
			return fmt.Errorf("releasing moves after failed connect: %v", rerr)
		}
		if rerr := changelog.StateRetry(ctx, sids); rerr != nil {
			return fmt.Errorf("releasing state changes after failed connect: %v", rerr)
		}
		return fmt.Errorf("connecting to %s: %v", acc.Host, err)
	}
	defer func() {
		err := conn.Logout().Wait()
		log.Check(err, "imap logout", slog.String("account", name))
	}()

	broken := false // Set once the connection is no longer usable, remaining work is released.

	for _, g := range groups {
		var outcome error
		if broken {
			outcome = errBroken
		} else {
			outcome = moveGroup(conn, g)
		}
		switch {
		case outcome == nil:
			err = changelog.MoveSuccess(ctx, g.messageIDs)
		case permanentErr(outcome):
			log.Errorx("server rejected move", outcome,
				slog.String("account", name),
				slog.String("src", g.src),
				slog.String("dst", g.dst))
			err = changelog.MoveFail(ctx, g.messageIDs)
		default:
			if !broken && outcome != errBroken {
				log.Errorx("move attempt did not complete, will retry", outcome, slog.String("account", name))
			}
			broken = broken || outcome != nil
			err = changelog.MoveRetry(ctx, g.messageIDs)
		}
		if err != nil {
			return fmt.Errorf("applying move outcome: %v", err)
		}
	}

	for _, s := range states {
		var outcome error
		if broken {
			outcome = errBroken
		} else {
			outcome = storeState(conn, s)
		}
		switch {
		case outcome == nil:
			err = changelog.StateSuccess(ctx, []int64{s.MessageID})
		case permanentErr(outcome):
			log.Errorx("server rejected flag change", outcome,
				slog.String("account", name),
				slog.Int64("messageid", s.MessageID))
			err = changelog.StateFail(ctx, []int64{s.MessageID})
		default:
			if !broken && outcome != errBroken {
				log.Errorx("flag change attempt did not complete, will retry", outcome, slog.String("account", name))
			}
			broken = broken || outcome != nil
			err = changelog.StateRetry(ctx, []int64{s.MessageID})
		}
		if err != nil {
			return fmt.Errorf("applying state change outcome: %v", err)
		}
	}

	if broken {
		return fmt.Errorf("connection to %s broke during sweep, remaining changes released for retry", acc.Host)
	}
	return nil
}

var errBroken = errors.New("connection broken earlier in sweep")

func connect(ctx context.Context, acc config.Account) (*imapclient.Client, error) {
	var conn *imapclient.Client
	var err error
	if acc.STARTTLS {
		addr := fmt.Sprintf("%s:%d", acc.Host, config.Port(acc.Port, 143))
		conn, err = imapclient.DialStartTLS(addr, nil)
	} else {
		addr := fmt.Sprintf("%s:%d", acc.Host, config.Port(acc.Port, 993))
		conn, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.Login(acc.Username, acc.Password).Wait(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login: %v", err)
	}
	return conn, nil
}

// group is a batch of net moves sharing source and destination mailbox, sent
// as a single SELECT plus UID MOVE.
type group struct {
	src, dst   string
	uids       []imap.UID
	messageIDs []int64
}

// groupMoves batches moves by (src, dst) pair, preserving first-seen order.
// Moves whose message server id does not parse as an IMAP UID are returned
// separately, they can never succeed.
func groupMoves(moves []changelog.NetMove) ([]*group, []int64) {
	byPair := map[[2]string]*group{}
	var order []*group
	var bad []int64
	for _, m := range moves {
		uid, err := strconv.ParseUint(m.MessageServerID, 10, 32)
		if err != nil {
			bad = append(bad, m.MessageID)
			continue
		}
		pair := [2]string{m.SrcMailboxServerID, m.DstMailboxServerID}
		g := byPair[pair]
		if g == nil {
			g = &group{src: m.SrcMailboxServerID, dst: m.DstMailboxServerID}
			byPair[pair] = g
			order = append(order, g)
		}
		g.uids = append(g.uids, imap.UID(uid))
		g.messageIDs = append(g.messageIDs, m.MessageID)
	}
	return order, bad
}

func moveGroup(conn *imapclient.Client, g *group) error {
	if _, err := conn.Select(g.src, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", g.src, err)
	}
	if _, err := conn.Move(imap.UIDSetNum(g.uids...), g.dst).Wait(); err != nil {
		return fmt.Errorf("moving to %s: %w", g.dst, err)
	}
	return nil
}

func storeState(conn *imapclient.Client, s changelog.NetState) error {
	uid, err := strconv.ParseUint(s.MessageServerID, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: malformed message server id %q", errBadServerID, s.MessageServerID)
	}
	if _, err := conn.Select(s.MailboxServerID, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", s.MailboxServerID, err)
	}
	uids := imap.UIDSetNum(imap.UID(uid))
	add, del := flagOps(s)
	if len(add) > 0 {
		cmd := conn.Store(uids, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: add}, nil)
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("adding flags: %w", err)
		}
	}
	if len(del) > 0 {
		cmd := conn.Store(uids, &imap.StoreFlags{Op: imap.StoreFlagsDel, Silent: true, Flags: del}, nil)
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("removing flags: %w", err)
		}
	}
	return nil
}

var errBadServerID = errors.New("bad server id")

// flagOps returns the flags to add and remove on the server for a net state
// change. Only flags that actually changed are touched.
func flagOps(s changelog.NetState) (add, del []imap.Flag) {
	if s.Seen != s.OldSeen {
		if s.Seen {
			add = append(add, imap.FlagSeen)
		} else {
			del = append(del, imap.FlagSeen)
		}
	}
	if s.Flagged != s.OldFlagged {
		if s.Flagged {
			add = append(add, imap.FlagFlagged)
		} else {
			del = append(del, imap.FlagFlagged)
		}
	}
	return
}

// permanentErr reports whether the server decidedly rejected the command (an
// IMAP NO or BAD response), as opposed to a connection problem that warrants a
// retry on a later sweep.
func permanentErr(err error) bool {
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		return ierr.Type == imap.StatusResponseTypeNo || ierr.Type == imap.StatusResponseTypeBad
	}
	return errors.Is(err, errBadServerID)
}
