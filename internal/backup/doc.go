// Package backup implements the incremental mailbox-to-object-store sync.
//
// # Overview
//
// A pass has three phases. The Detector finds candidate message ids, either
// from the mailbox history log (incremental) or from a query enumeration
// (full scan when no usable cursor exists or the cursor went stale). The
// Pipeline transfers candidates with a bounded worker pool: skip if already
// recorded, fetch the raw payload, compress it, upload the payload and its
// metadata document, then commit a local record. The Runner ties both
// together with the checkpoint: it bootstraps local state from the remote
// mirror when the local directory is empty, and advances the history cursor
// only when no candidate failed terminally (unless best-effort advancement
// was requested).
//
// # Key Types
//
//   - Mailbox, Bucket, Index: the three collaborator surfaces, satisfied by
//     gmailx.Client, blob.Client, and state.Store.
//   - Detection: candidate ids plus the cursor to adopt once they commit.
//   - Stats, BatchResult: per-pipeline and per-pass outcome summaries. Item
//     failures carry sanitized categories only, never payload data.
//
// Transient remote failures (rate limits, 5xx, timeouts) are retried per
// item under the injected retryx.Policy; terminal failures consume no retry
// budget and mark only that item as failed.
package backup
