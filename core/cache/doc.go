// Package cache defines the second-level store for asset bytes fetched
// from remote sources, so a restarted process does not download the same
// ranges again.
//
// Keys are digests of the remote location (URL, range and expected
// CRC32), not of the content. Callers verify the CRC32 of every
// hit before use.
package cache
