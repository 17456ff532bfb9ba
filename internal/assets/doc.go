// Package assets stores binary artifacts content-addressed by hash.
//
// Bytes are deduplicated per project: storing identical bytes twice returns
// the same asset row and leaves exactly one file on disk. Bytes land in a
// temporary file and are renamed into the hash-derived location only after
// the metadata row commits, so a crash
// can never orphan bytes without a row. Verify detects the inverse case (a
// row whose bytes are missing or corrupted) as an IntegrityError.
//
// Generated assets carry their exact resolved prompt and an embedding over
// it; ReuseCandidate scans those embeddings by cosine similarity so the
// orchestrator can skip a billable external call when a close-enough asset
// already exists. The cache never evicts; freshness is tracked with a
// non-destructive stale flag.
package assets
