package engine

import (
	"fmt"
	"slices"
	"sort"

	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
)

// InputChannel — вход Step-Run вместе с деревом, которое его питает.
type InputChannel struct {
	Channel string
	Type    domain.DataType
	Mode    string
	Group   int
	Tree    *datatree.Tree
}

// InputSet — полностью разрешённые входы одной task.
type InputSet struct {
	Path   domain.Path
	Inputs []domain.TaskInput
}

// CalculateInputSets раскладывает входы Step-Run на наборы для tasks.
//
// Внутри группы наборы сопоставляются по вложенности адресов (dot
// product), более длинный адрес побеждает. Группы комбинируются
// декартовым произведением в порядке возрастания номера, адреса
// склеиваются. Без входов получается один набор с пустым адресом.
//
// Все деревья должны быть заполнены, иначе возвращается
// datatree.ErrNotReady.
func CalculateInputSets(channels []InputChannel) ([]InputSet, error) {
	groups := make(map[int][]InputChannel)
	for _, ch := range channels {
		groups[ch.Group] = append(groups[ch.Group], ch)
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	sets := []InputSet{{Path: domain.Path{}}}
	for _, k := range keys {
		groupSets, err := dotProduct(groups[k])
		if err != nil {
			return nil, err
		}
		sets = crossProduct(sets, groupSets)
	}

	sort.SliceStable(sets, func(i, j int) bool {
		return sets[i].Path.Compare(sets[j].Path) < 0
	})
	return sets, nil
}

// entriesFor читает дерево канала с учётом глубины сбора.
func entriesFor(ch InputChannel) ([]datatree.Entry, error) {
	depth, err := ParseGatherDepth(ch.Mode)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Channel, err)
	}
	if ch.Tree == nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Channel, datatree.ErrNotReady)
	}
	entries, err := ch.Tree.ReadyEntries(depth)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Channel, err)
	}
	return entries, nil
}

func toTaskInput(ch InputChannel, e datatree.Entry) domain.TaskInput {
	return domain.TaskInput{
		Channel:  ch.Channel,
		Type:     ch.Type,
		Gathered: e.Gathered,
		Objects:  slices.Clone(e.Objects),
	}
}

// dotProduct сопоставляет входы одной группы по вложенности адресов.
func dotProduct(chs []InputChannel) ([]InputSet, error) {
	first, err := entriesFor(chs[0])
	if err != nil {
		return nil, err
	}

	sets := make([]InputSet, 0, len(first))
	for _, e := range first {
		sets = append(sets, InputSet{Path: e.Path, Inputs: []domain.TaskInput{toTaskInput(chs[0], e)}})
	}

	for _, ch := range chs[1:] {
		entries, err := entriesFor(ch)
		if err != nil {
			return nil, err
		}
		if len(sets) == 0 || len(entries) == 0 {
			return []InputSet{}, nil
		}

		next := make([]InputSet, 0, len(sets))
		for _, s := range sets {
			matched := false
			for _, e := range entries {
				var path domain.Path
				switch {
				case s.Path.HasPrefix(e.Path):
					path = s.Path
				case e.Path.HasPrefix(s.Path):
					path = e.Path
				default:
					continue
				}
				matched = true
				inputs := append(slices.Clone(s.Inputs), toTaskInput(ch, e))
				next = append(next, InputSet{Path: path.Clone(), Inputs: inputs})
			}
			if !matched {
				return nil, fmt.Errorf("%w: channel %s has no value for %s",
					ErrDimensionMismatch, ch.Channel, s.Path)
			}
		}
		sets = next
	}

	return sets, nil
}

// crossProduct комбинирует наборы разных групп.
func crossProduct(a, b []InputSet) []InputSet {
	out := make([]InputSet, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			inputs := make([]domain.TaskInput, 0, len(x.Inputs)+len(y.Inputs))
			inputs = append(inputs, x.Inputs...)
			inputs = append(inputs, y.Inputs...)
			out = append(out, InputSet{Path: x.Path.Append(y.Path...), Inputs: inputs})
		}
	}
	return out
}
