// Package state owns the durable local state of one mailbox backup.
//
// Everything lives in a single state directory:
//
//	index.sqlite3   per-message upload and restore records plus in-flight claims
//	state.json      the sync checkpoint (history cursor, full-scan flag, identity)
//	token.json      the stored OAuth token (managed by gmailx)
//	run.lock        single-runner lock for the directory
//
// # Key Types
//
//   - Store: the SQLite-backed index. Membership checks are local reads and
//     never touch the network. Records commit only after the corresponding
//     remote write succeeded, so a record is always backed by stored objects.
//   - CheckpointFile: loads and patch-writes state.json atomically. Every
//     write stamps updatedAt and goes through a temp-file rename.
//   - AcquireRunLock: mutual exclusion between concurrent runs sharing a
//     state directory, with takeover of locks left behind by dead processes.
//
// # Typical Usage
//
//	store, err := state.Open(ctx, cfg.StateDir)
//	if err != nil { ... }
//	defer store.Close()
//
//	ok, err := store.ClaimUpload(ctx, id)   // false: someone else owns it
//	...                                     // transfer the message
//	err = store.MarkUploaded(ctx, id, size, hash)
package state
