package index

import (
	"testing"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(nil)
	require.NoError(t, err)
	require.Nil(t, f)

	f, err = ParseFilter([]byte(`{"must":[{"field":"lang","op":"eq","value":"en"}]}`))
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Len(t, f.Must, 1)

	// Empty conjunction normalizes to no filter.
	f, err = ParseFilter([]byte(`{"must":[]}`))
	require.NoError(t, err)
	require.Nil(t, f)

	_, err = ParseFilter([]byte(`{"must":[{"field":"x","op":"between","value":1}]}`))
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseFilter([]byte(`{"must":[{"field":"x","op":"gt","value":"high"}]}`))
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseFilter([]byte(`{"must":[{"field":"","op":"eq","value":1}]}`))
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseFilter([]byte(`not json`))
	require.ErrorIs(t, err, ErrValidation)
}

func TestFilterMatches(t *testing.T) {
	payload := doc.Payload(`{"lang":"en","stars":7,"published":true,"tags":["go","db"]}`)
	fields, err := payload.Fields()
	require.NoError(t, err)

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "lang", Op: OpEq, Value: "en"}, true},
		{"eq string miss", Condition{Field: "lang", Op: OpEq, Value: "de"}, false},
		{"ne", Condition{Field: "lang", Op: OpNe, Value: "de"}, true},
		{"eq bool", Condition{Field: "published", Op: OpEq, Value: true}, true},
		{"eq number", Condition{Field: "stars", Op: OpEq, Value: float64(7)}, true},
		{"gt", Condition{Field: "stars", Op: OpGt, Value: float64(5)}, true},
		{"gt miss", Condition{Field: "stars", Op: OpGt, Value: float64(7)}, false},
		{"gte edge", Condition{Field: "stars", Op: OpGte, Value: float64(7)}, true},
		{"lt", Condition{Field: "stars", Op: OpLt, Value: float64(10)}, true},
		{"lte miss", Condition{Field: "stars", Op: OpLte, Value: float64(6)}, false},
		{"in", Condition{Field: "lang", Op: OpIn, Value: []any{"en", "fr"}}, true},
		{"in miss", Condition{Field: "lang", Op: OpIn, Value: []any{"de", "fr"}}, false},
		{"list contains", Condition{Field: "tags", Op: OpEq, Value: "go"}, true},
		{"list contains miss", Condition{Field: "tags", Op: OpEq, Value: "rust"}, false},
		{"list ne all differ", Condition{Field: "tags", Op: OpNe, Value: "rust"}, true},
		{"list ne contains", Condition{Field: "tags", Op: OpNe, Value: "go"}, false},
		{"missing field", Condition{Field: "ghost", Op: OpEq, Value: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &Filter{Must: []Condition{tc.cond}}
			require.Equal(t, tc.want, f.Matches(fields))
		})
	}
}

func TestFilterConjunction(t *testing.T) {
	fields := map[string]any{"a": "x", "b": float64(2)}
	f := &Filter{Must: []Condition{
		{Field: "a", Op: OpEq, Value: "x"},
		{Field: "b", Op: OpLt, Value: float64(3)},
	}}
	require.True(t, f.Matches(fields))

	f.Must = append(f.Must, Condition{Field: "b", Op: OpGt, Value: float64(5)})
	require.False(t, f.Matches(fields))
}

func TestNilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	require.True(t, f.Matches(nil))
	require.True(t, f.MatchesPayload(nil))
}
