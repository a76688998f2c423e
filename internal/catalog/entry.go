// Package catalog maintains the index of variables published by the portal.
//
// A catalog entry is one (year, group, variable) triple as listed in the
// report dropdowns. Entries are discovered by walking the cascading
// dropdowns of each yearly report page, normalized, and merged with the
// previous index so that years already known are not collected again.
package catalog

import (
	"crypto/sha1"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Entry is a variable of a group in a given year.
type Entry struct {
	Year       int    `json:"year"`
	GroupID    string `json:"group_id"`
	Group      string `json:"group"`
	VariableID string `json:"variable_id"`
	Variable   string `json:"variable"`
}

// Key identifies an entry by its portal ids.
type Key struct {
	Year       int
	GroupID    string
	VariableID string
}

// Key returns the id triple of the entry.
func (e Entry) Key() Key {
	return Key{Year: e.Year, GroupID: e.GroupID, VariableID: e.VariableID}
}

// ID creates a deterministic identifier from the portal ids.
func (e Entry) ID() string {
	h := sha1.New()
	h.Write([]byte(strconv.Itoa(e.Year) + "|" + e.GroupID + "|" + e.VariableID))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (e Entry) String() string {
	return fmt.Sprintf("%d/%s/%s", e.Year, e.Group, e.Variable)
}

var codePrefix = regexp.MustCompile(`^[0-9.\-]+ `)

// NormalizeName strips the leading numeric code of a dropdown label,
// lowercases it and folds it to ASCII:
//
//	"01.- Enfermedades Diarréicas Agudas" -> "enfermedades diarreicas agudas"
func NormalizeName(label string) string {
	s := codePrefix.ReplaceAllString(strings.TrimSpace(label), "")
	s = strings.ToLower(s)
	return FoldASCII(s)
}

// FoldASCII decomposes s and drops everything outside ASCII.
func FoldASCII(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize returns the entry with normalized group and variable names.
func (e Entry) Normalize() Entry {
	e.Group = NormalizeName(e.Group)
	e.Variable = NormalizeName(e.Variable)
	return e
}
