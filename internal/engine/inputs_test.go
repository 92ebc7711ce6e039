package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
)

func treeOf(t *testing.T, raw any) *datatree.Tree {
	t.Helper()
	tree, err := datatree.FromValue(domain.TypeString, raw)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree
}

func strs(objs []domain.DataObject) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.String()
	}
	return out
}

func TestCalculateInputSets_NoInputs(t *testing.T) {
	sets, err := CalculateInputSets(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Path) != 0 || len(sets[0].Inputs) != 0 {
		t.Errorf("expected one empty set at the root, got %+v", sets)
	}
}

func TestCalculateInputSets_ScatterAndGather(t *testing.T) {
	tree := treeOf(t, []any{"a", "b", "c"})

	sets, err := CalculateInputSets([]InputChannel{
		{Channel: "letter", Type: domain.TypeString, Tree: tree},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 3 {
		t.Fatalf("expected 3 sets, got %d", len(sets))
	}
	for i, s := range sets {
		want := domain.Path{{Index: i, Degree: 3}}
		if !s.Path.Equal(want) {
			t.Errorf("set %d: expected path %s, got %s", i, want, s.Path)
		}
		if s.Inputs[0].Gathered {
			t.Errorf("set %d should not be gathered", i)
		}
	}
	if got := sets[2].Inputs[0].Objects[0].String(); got != "c" {
		t.Errorf("expected c, got %s", got)
	}

	sets, err = CalculateInputSets([]InputChannel{
		{Channel: "letters", Type: domain.TypeString, Mode: "gather", Tree: tree},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Path) != 0 {
		t.Fatalf("expected one set at the root, got %+v", sets)
	}
	in := sets[0].Inputs[0]
	if !in.Gathered || !equalIDs(strs(in.Objects), []string{"a", "b", "c"}) {
		t.Errorf("unexpected gathered input: %+v", in)
	}
}

func TestCalculateInputSets_PartialGather(t *testing.T) {
	tree := treeOf(t, []any{[]any{"a", "b"}, []any{"c"}})

	sets, err := CalculateInputSets([]InputChannel{
		{Channel: "x", Type: domain.TypeString, Mode: "gather", Tree: tree},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	if !equalIDs(strs(sets[0].Inputs[0].Objects), []string{"a", "b"}) {
		t.Errorf("unexpected first set: %v", strs(sets[0].Inputs[0].Objects))
	}
	if !equalIDs(strs(sets[1].Inputs[0].Objects), []string{"c"}) {
		t.Errorf("unexpected second set: %v", strs(sets[1].Inputs[0].Objects))
	}

	sets, err = CalculateInputSets([]InputChannel{
		{Channel: "x", Type: domain.TypeString, Mode: "gather(2)", Tree: tree},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Inputs[0].Objects) != 3 {
		t.Errorf("gather(2) should collapse both levels, got %+v", sets)
	}
}

func TestCalculateInputSets_DotProductBroadcastsScalar(t *testing.T) {
	sets, err := CalculateInputSets([]InputChannel{
		{Channel: "item", Type: domain.TypeString, Tree: treeOf(t, []any{"a", "b"})},
		{Channel: "prefix", Type: domain.TypeString, Tree: treeOf(t, "p")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	for _, s := range sets {
		if len(s.Path) != 1 || len(s.Inputs) != 2 {
			t.Errorf("unexpected set: %+v", s)
		}
		if s.Inputs[1].Objects[0].String() != "p" {
			t.Errorf("scalar should be broadcast to every set")
		}
	}
}

func TestCalculateInputSets_DotProductPairs(t *testing.T) {
	sets, err := CalculateInputSets([]InputChannel{
		{Channel: "left", Type: domain.TypeString, Tree: treeOf(t, []any{"a", "b"})},
		{Channel: "right", Type: domain.TypeString, Tree: treeOf(t, []any{"1", "2"})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(sets))
	}
	if sets[1].Inputs[0].Objects[0].String() != "b" || sets[1].Inputs[1].Objects[0].String() != "2" {
		t.Errorf("inputs at the same position should be paired: %+v", sets[1])
	}
}

func TestCalculateInputSets_CrossProduct(t *testing.T) {
	sets, err := CalculateInputSets([]InputChannel{
		{Channel: "b", Type: domain.TypeString, Group: 1, Tree: treeOf(t, []any{"1", "2", "3"})},
		{Channel: "a", Type: domain.TypeString, Group: 0, Tree: treeOf(t, []any{"x", "y"})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 6 {
		t.Fatalf("expected 6 sets, got %d", len(sets))
	}

	first := sets[0]
	want := domain.Path{{Index: 0, Degree: 2}, {Index: 0, Degree: 3}}
	if !first.Path.Equal(want) {
		t.Errorf("expected %s, got %s", want, first.Path)
	}
	if first.Inputs[0].Channel != "a" || first.Inputs[1].Channel != "b" {
		t.Errorf("groups should be combined in ascending order: %+v", first.Inputs)
	}

	last := sets[5]
	if last.Inputs[0].Objects[0].String() != "y" || last.Inputs[1].Objects[0].String() != "3" {
		t.Errorf("unexpected last set: %+v", last)
	}
}

func TestCalculateInputSets_DimensionMismatch(t *testing.T) {
	_, err := CalculateInputSets([]InputChannel{
		{Channel: "a", Type: domain.TypeString, Tree: treeOf(t, []any{"x", "y"})},
		{Channel: "b", Type: domain.TypeString, Tree: treeOf(t, []any{"1", "2", "3"})},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestCalculateInputSets_NotReady(t *testing.T) {
	_, err := CalculateInputSets([]InputChannel{
		{Channel: "a", Type: domain.TypeString, Tree: datatree.New(domain.TypeString)},
	})
	if !errors.Is(err, datatree.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestCalculateInputSets_EmptyScatter(t *testing.T) {
	sets, err := CalculateInputSets([]InputChannel{
		{Channel: "a", Type: domain.TypeString, Tree: treeOf(t, []any{})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 0 {
		t.Errorf("empty scatter should produce no tasks, got %d", len(sets))
	}

	sets, err = CalculateInputSets([]InputChannel{
		{Channel: "a", Type: domain.TypeString, Mode: "gather", Tree: treeOf(t, []any{})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Inputs[0].Objects) != 0 {
		t.Errorf("gathered empty scatter should produce one empty array, got %+v", sets)
	}
}
