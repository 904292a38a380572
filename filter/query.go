package filter

import (
	"github.com/alecthomas/participle/v2"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/types"
)

// ErrInvalidQuery is returned for queries that do not parse or that ask for
// something a Filter cannot express.
var ErrInvalidQuery = eris.New("invalid filter query")

// A query is a conjunction of terms:
//
//	ALL()                 every entity
//	CONTAINS(a, b)        has a and b
//	ANY(a, b)             has a or b
//	!ANY(a, b)            has neither
//	!CONTAINS(a)          does not have a
//
// joined with "&", for example "CONTAINS(health) & !ANY(iced)".

type queryTerm struct {
	Factors []*queryFactor `@@ ( "&" @@ )*`
}

type queryFactor struct {
	Not   *queryValue `  "!" @@`
	Value *queryValue `| @@`
}

type queryValue struct {
	All      bool         `  @( "ALL" "(" ")" )`
	Contains *queryIdents `| "CONTAINS" "(" @@ ")"`
	Any      *queryIdents `| "ANY" "(" @@ ")"`
}

type queryIdents struct {
	Names []string `@Ident ( "," @Ident )*`
}

var queryParser = participle.MustBuild[queryTerm]()

// Parse builds a filter from a query. Component names are resolved with
// types.ComponentByName.
func Parse(query string) (Filter, error) {
	term, err := queryParser.ParseString("", query)
	if err != nil {
		return Filter{}, eris.Wrapf(ErrInvalidQuery, "%q: %v", query, err)
	}
	var out Filter
	for _, factor := range term.Factors {
		f, err := factorFilter(factor)
		if err != nil {
			return Filter{}, err
		}
		out = out.And(f)
	}
	return out, nil
}

func factorFilter(factor *queryFactor) (Filter, error) {
	if factor.Value != nil {
		return valueFilter(factor.Value)
	}
	v := factor.Not
	switch {
	case v.All:
		return Filter{}, eris.Wrap(ErrInvalidQuery, "!ALL() matches nothing")
	case v.Any != nil:
		ids, err := resolve(v.Any)
		if err != nil {
			return Filter{}, err
		}
		return Exclude(ids...), nil
	case len(v.Contains.Names) == 1:
		ids, err := resolve(v.Contains)
		if err != nil {
			return Filter{}, err
		}
		return Exclude(ids...), nil
	default:
		return Filter{}, eris.Wrap(ErrInvalidQuery, "!CONTAINS takes one component, use !ANY to exclude several")
	}
}

func valueFilter(v *queryValue) (Filter, error) {
	switch {
	case v.All:
		return Filter{}, nil
	case v.Any != nil:
		ids, err := resolve(v.Any)
		if err != nil {
			return Filter{}, err
		}
		return Any(ids...), nil
	default:
		ids, err := resolve(v.Contains)
		if err != nil {
			return Filter{}, err
		}
		return Contains(ids...), nil
	}
}

func resolve(idents *queryIdents) ([]types.ComponentID, error) {
	ids := make([]types.ComponentID, len(idents.Names))
	for i, name := range idents.Names {
		id, err := types.ComponentByName(name)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
