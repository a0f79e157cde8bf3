// Package evidence holds the symptom records accumulated over a triage
// conversation.
package evidence

import (
	"slices"
	"sort"
	"strings"
)

const (
	MinSeverity = 1
	MaxSeverity = 10
)

// Symptom is one reported symptom.
type Symptom struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Onset       string   `json:"onset,omitempty"`
	Severity    int      `json:"severity"`
	Medications []string `json:"medications,omitempty"`
}

// NormalizeName lower-cases, trims and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// ClampSeverity bounds s to [1,10].
func ClampSeverity(s int) int {
	return min(max(s, MinSeverity), MaxSeverity)
}

// Set is the deduplicated symptom evidence of a session, keyed by
// normalized name. The zero value is ready to use.
type Set struct {
	byName map[string]*Symptom
}

// Add merges s into the set. A repeated name keeps the highest severity and
// the union of medications; a non-empty description or onset replaces an
// empty one.
func (e *Set) Add(s Symptom) {
	key := NormalizeName(s.Name)
	if key == "" {
		return
	}
	if e.byName == nil {
		e.byName = make(map[string]*Symptom)
	}

	s.Name = key
	s.Severity = ClampSeverity(s.Severity)
	s.Medications = normalizeMeds(s.Medications)

	cur, ok := e.byName[key]
	if !ok {
		cp := s
		e.byName[key] = &cp
		return
	}

	cur.Severity = max(cur.Severity, s.Severity)
	cur.Medications = normalizeMeds(append(cur.Medications, s.Medications...))
	if cur.Description == "" {
		cur.Description = s.Description
	}
	if cur.Onset == "" {
		cur.Onset = s.Onset
	}
}

// Merge adds every symptom of the slice.
func (e *Set) Merge(symptoms []Symptom) {
	for _, s := range symptoms {
		e.Add(s)
	}
}

// Len returns the number of distinct symptoms.
func (e *Set) Len() int {
	return len(e.byName)
}

// Get returns a copy of the symptom with the given name.
func (e *Set) Get(name string) (Symptom, bool) {
	s, ok := e.byName[NormalizeName(name)]
	if !ok {
		return Symptom{}, false
	}
	return copySymptom(*s), true
}

// List returns copies of all symptoms sorted by name.
func (e *Set) List() []Symptom {
	out := make([]Symptom, 0, len(e.byName))
	for _, s := range e.byName {
		out = append(out, copySymptom(*s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns an independent copy of the set.
func (e *Set) Clone() Set {
	var c Set
	for _, s := range e.byName {
		c.Add(copySymptom(*s))
	}
	return c
}

func copySymptom(s Symptom) Symptom {
	s.Medications = slices.Clone(s.Medications)
	return s
}

func normalizeMeds(meds []string) []string {
	if len(meds) == 0 {
		return nil
	}
	out := make([]string, 0, len(meds))
	for _, m := range meds {
		if m = NormalizeName(m); m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
