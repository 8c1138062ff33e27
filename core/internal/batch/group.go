package batch

// rangeGroup is a contiguous byte range covering one or more records.
// All records in a group are fetched with a single read.
type rangeGroup struct {
	start   uint64
	end     uint64
	records []Record
}

// size returns the group's length in bytes.
func (g rangeGroup) size() uint64 { return g.end - g.start }

// groupAdjacent groups records that sit back to back in the source.
//
// Records must be sorted by Offset and the slice must be non-empty. A new
// group starts at every gap, and whenever extending the current group
// would exceed maxGroup bytes (0 disables the cap).
func groupAdjacent(records []Record, maxGroup uint64) []rangeGroup {
	groups := make([]rangeGroup, 0, len(records))
	current := rangeGroup{
		start:   records[0].Offset,
		end:     records[0].Offset + records[0].Size,
		records: []Record{records[0]},
	}

	for _, rec := range records[1:] {
		recEnd := rec.Offset + rec.Size
		if rec.Offset == current.end && (maxGroup == 0 || recEnd-current.start <= maxGroup) {
			current.end = recEnd
			current.records = append(current.records, rec)
			continue
		}
		groups = append(groups, current)
		current = rangeGroup{start: rec.Offset, end: recEnd, records: []Record{rec}}
	}
	return append(groups, current)
}
