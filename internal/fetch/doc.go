// Package fetch acquires the artifacts an install plan needs: bottles and
// source archives are downloaded into a checksum-verified cache, head
// repositories are checked out into fresh directories.
//
// Cache files live under <cache>/Bottles/<name>/ and <cache>/Sources/<name>/
// and are keyed by URL and checksum, so the same file is reused across runs
// and a changed checksum never matches a stale download. Files are written
// through a temporary file that is renamed into place only after its digest
// has been verified, which lets concurrent processes share a cache.
//
// Prefetch runs acquisitions on a bounded pool, submitted in plan order;
// identical (URL, checksum) pairs within a process collapse into one fetch.
package fetch
