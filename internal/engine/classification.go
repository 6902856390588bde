package engine

import (
	"fmt"

	"github.com/kalambet/compass/internal/assignment"
)

// VerbRule describes what a verb does.
type VerbRule struct {
	// Acquiring verbs create an application and attempt a lock.
	Acquiring bool
	// Rank places the new application on the slate when there is room.
	Rank bool
}

// Classification maps every verb to its rule.
type Classification map[assignment.Verb]VerbRule

// DefaultClassification: save and slate acquire, only slate ranks.
func DefaultClassification() Classification {
	return Classification{
		assignment.VerbSave:   {Acquiring: true},
		assignment.VerbSlate:  {Acquiring: true, Rank: true},
		assignment.VerbReject: {},
		assignment.VerbDefer:  {},
	}
}

// ClassificationFor builds a table in which exactly the listed verbs acquire.
// slate keeps its ranking behavior when it acquires.
func ClassificationFor(acquiring []string) (Classification, error) {
	c := Classification{
		assignment.VerbSave:   {},
		assignment.VerbSlate:  {},
		assignment.VerbReject: {},
		assignment.VerbDefer:  {},
	}
	for _, s := range acquiring {
		v, err := assignment.ParseVerb(s)
		if err != nil {
			return nil, fmt.Errorf("acquiring verb %q: %w", s, err)
		}
		c[v] = VerbRule{Acquiring: true, Rank: v == assignment.VerbSlate}
	}
	return c, nil
}

// Rule returns the rule for v.
func (c Classification) Rule(v assignment.Verb) (VerbRule, bool) {
	r, ok := c[v]
	return r, ok
}

// Acquiring reports whether v creates applications.
func (c Classification) Acquiring(v assignment.Verb) bool {
	return c[v].Acquiring
}
