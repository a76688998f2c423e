package cli

import (
	"sort"
	"strings"
)

// SortOrder represents the available orders of reported failures
type SortOrder string

const (
	SortByEntry SortOrder = "entry"
	SortByPhase SortOrder = "phase"
	SortByKind  SortOrder = "kind"
)

// phaseRank orders phases by how far the sequence got.
var phaseRank = map[string]int{
	"uninit":        0,
	"initialized":   1,
	"year_selected": 2,
	"ready":         3,
}

// sortFailures sorts reported failures based on the specified sort order
func sortFailures(failures []FailureReport, sortOrder SortOrder) {
	switch sortOrder {
	case SortByEntry:
		sort.SliceStable(failures, func(i, j int) bool {
			return compareByEntry(failures[i], failures[j])
		})
	case SortByPhase:
		sort.SliceStable(failures, func(i, j int) bool {
			if failures[i].Phase != failures[j].Phase {
				return phaseRank[failures[i].Phase] < phaseRank[failures[j].Phase]
			}
			// If phases are equal, sort by entry
			return compareByEntry(failures[i], failures[j])
		})
	case SortByKind:
		sort.SliceStable(failures, func(i, j int) bool {
			if failures[i].Kind != failures[j].Kind {
				return failures[i].Kind < failures[j].Kind
			}
			// If kinds are equal, sort by entry
			return compareByEntry(failures[i], failures[j])
		})
	}
}

// compareByEntry compares two failures by year, group and variable
// Returns true if failure i should come before failure j
func compareByEntry(i, j FailureReport) bool {
	if i.Year != j.Year {
		return i.Year < j.Year
	}
	if i.Group != j.Group {
		return strings.ToLower(i.Group) < strings.ToLower(j.Group)
	}
	return strings.ToLower(i.Variable) < strings.ToLower(j.Variable)
}
