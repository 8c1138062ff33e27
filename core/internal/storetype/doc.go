// Package storetype holds the types shared by every storage package:
// sentinel errors, compression identifiers, section identifiers and
// format versions. Public packages re-export them.
package storetype
