// Package restore puts archived messages back into a mailbox.
//
// # Overview
//
// Restore is split into a side-effect-free planning step and an execution
// step. The Planner lists the archive's payload objects and filters out
// everything already restored, consulting the local index first and remote
// restore markers second, so the returned candidate set is exactly the work
// left to do. The Engine then processes candidates with a bounded worker
// pool: download, decompress, check for an identical message already in the
// target mailbox by its Message-Id header, insert with the archived label
// set, and publish a restore marker so other machines skip the message too.
//
// A dry run stops after planning. The Engine in dry-run mode performs no
// mailbox or object-store operations at all; it only reports how many
// candidates the plan produced.
//
// # Markers
//
// Every completed candidate gets a marker object under state/restore/. A
// marker with status "inserted" names the new mailbox id; status "present"
// means an identical message was already in the mailbox and nothing was
// inserted. Markers make restores resumable and safe to run from several
// machines against the same archive.
package restore
