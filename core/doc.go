// Package worldstore implements the save archive: a versioned container of
// up to five compressed, checksummed sections behind a fixed 76 byte
// header.
//
// Archive layout:
//
//	header (76 bytes) | section header | payload | section header | payload ...
//
// Writers stream sections into a temporary file beside the target and
// rename it into place on Close, so a failed save never disturbs the
// previous archive. The header records each section's offset, the file
// size and a CRC32 of the whole file (computed with the CRC field zeroed).
//
// Archives written by older format versions are readable directly and can
// be rewritten to SupportedVersion with Migrate.
package worldstore
