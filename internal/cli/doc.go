// Package cli implements the mailvault command-line interface.
//
// It wires configuration, the local index, the object store client, and the
// Gmail client into the backup and restore engines. Settings resolve in
// order: built-in defaults, the JSON config file, R2_* and MAILVAULT_*
// environment variables, and finally command-line flags.
//
// Commands:
//   - auth: run the OAuth consent flow and save a token
//   - backup: mirror new mail into the object store (one pass)
//   - restore: insert archived messages back into the mailbox
//   - rehydrate: rebuild the local index from bucket listings
//   - daemon: run backup passes on an interval until interrupted
//
// Exit codes: 0 on success, 1 on fatal errors, 2 when a pass completed but
// some items failed.
package cli
