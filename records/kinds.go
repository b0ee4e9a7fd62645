// Package records stores the laboratory quality-control reports, one table per product kind,
// each row owned by the identity-provider subject that created it.
package records

import (
	"errors"
	"fmt"
)

// ErrUnknownKind is returned for a kind slug that has no table.
var ErrUnknownKind = errors.New("unknown record kind")

// Kind is a product line with its own report table.
type Kind struct {
	// Slug is the name used in API paths.
	Slug string
	// Table is the backing table.
	Table string
}

var kinds = []Kind{
	{Slug: "raw-milk", Table: "raw_milk"},
	{Slug: "butter", Table: "butter"},
	{Slug: "yogurt-no-sugar", Table: "non_sugar_yogurt"},
	{Slug: "yogurt-fruited", Table: "yogurt_fruited"},
	{Slug: "probiotic-yogurt", Table: "probiotic_yogurt"},
	{Slug: "semi-cheese", Table: "semi_cheese"},
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// LookupKind resolves an API slug.
func LookupKind(slug string) (Kind, error) {
	for _, k := range kinds {
		if k.Slug == slug {
			return k, nil
		}
	}
	return Kind{}, fmt.Errorf("%w: %q", ErrUnknownKind, slug)
}
