/*
Command movesync tracks pending local mailbox moves and flag changes for mail
accounts in a change log, collapses them into one net change per message, and
upsyncs them to the remote IMAP server with idempotent, crash-safe semantics.

A mail client (or sync engine) logs each local change with "add move" or
through the changelog package. Each sweep claims all pending entries of an
account, folds multiple pending changes of one message into a single net
change, prunes chains that canceled themselves out, pushes the rest to the
server, and resolves each message's entries as done, retry or failed.

# Commands

	movesync [-config movesync.conf] [-loglevel level] ...
	movesync serve
	movesync sweep account
	movesync pending
	movesync add move [-msgserverid id] [-srcserverid name] [-dstserverid name] accountid messageid srcmailboxid dstmailboxid
	movesync backup destpath
	movesync config test
	movesync config describe >movesync.conf
	movesync help
*/
package main
