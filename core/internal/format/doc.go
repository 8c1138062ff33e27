// Package format encodes and decodes the fixed-layout binary structures
// written by the engine: save headers, section headers, world metadata,
// chunk tables, incremental headers and asset index records.
//
// Every structure is little-endian. Encoders write into a caller
// supplied buffer of at least the structure's Size; decoders validate the
// magic where one exists and return storetype.ErrInvalidFormat otherwise.
package format
