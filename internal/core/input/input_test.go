package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverridesByName(t *testing.T) {
	defaults := []Input{
		{Name: "nsfw", Kind: Checkbox, CheckboxState: false},
		{Name: "lang", Kind: Select, SelectValues: []string{"en", "jp"}, SelectState: 0},
	}
	overrides := []Input{
		{Name: "nsfw", Kind: Checkbox, CheckboxState: true},
	}

	got := Merge(defaults, overrides)
	require.Len(t, got, 2)
	assert.True(t, got[0].CheckboxState, "expected nsfw overridden to true")
	assert.Zero(t, got[1].SelectState, "expected lang untouched")
}

func TestMergeIgnoresUnknownOverrides(t *testing.T) {
	defaults := []Input{{Name: "a", Kind: Text, TextState: "x"}}
	overrides := []Input{{Name: "b", Kind: Text, TextState: "y"}}

	got := Merge(defaults, overrides)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "x", got[0].TextState)
}

func TestEqualNameIgnoresState(t *testing.T) {
	a := Input{Name: "nsfw", Kind: Checkbox, CheckboxState: true}
	b := Input{Name: "nsfw", Kind: Checkbox, CheckboxState: false}
	assert.True(t, a.EqualName(b), "expected inputs with same name to be equal regardless of state")
}

func TestFindByName(t *testing.T) {
	list := []Input{{Name: "a"}, {Name: "b"}}
	_, ok := FindByName(list, "c")
	assert.False(t, ok, "expected not found for missing name")

	got, ok := FindByName(list, "b")
	require.True(t, ok)
	assert.Equal(t, "b", got.Name)
}
