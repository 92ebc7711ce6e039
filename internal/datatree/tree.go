package datatree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/shaiso/Tapestry/internal/domain"
)

// MaxDepth — максимальная глубина разброса.
const MaxDepth = 10

// Node — узел дерева данных.
//
// Узел без Degree и Object — заготовка, которая станет листом или веткой
// при первой записи. Ветка с Degree=0 — пустой массив, она сразу заполнена.
type Node struct {
	Degree   *int               `json:"degree,omitempty"`
	Object   *domain.DataObject `json:"object,omitempty"`
	Children map[int]*Node      `json:"children,omitempty"`
	Complete bool               `json:"complete,omitempty"`
}

func (n *Node) isBranch() bool {
	return n.Degree != nil
}

func (n *Node) recompute() {
	switch {
	case n.Object != nil:
		n.Complete = true
	case n.Degree != nil:
		if len(n.Children) != *n.Degree {
			n.Complete = false
			return
		}
		for _, child := range n.Children {
			if !child.Complete {
				n.Complete = false
				return
			}
		}
		n.Complete = true
	default:
		n.Complete = false
	}
}

func (n *Node) clone() *Node {
	c := &Node{Complete: n.Complete}
	if n.Degree != nil {
		d := *n.Degree
		c.Degree = &d
	}
	if n.Object != nil {
		obj := *n.Object
		c.Object = &obj
	}
	if n.Children != nil {
		c.Children = make(map[int]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.clone()
		}
	}
	return c
}

// sortedIndexes возвращает индексы детей по возрастанию.
func (n *Node) sortedIndexes() []int {
	idx := make([]int, 0, len(n.Children))
	for i := range n.Children {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Tree — дерево значений одного канала.
//
// Запись идемпотентна: повторная запись того же значения по тому же
// адресу ничего не меняет. Потокобезопасен.
type Tree struct {
	mu   sync.RWMutex
	typ  domain.DataType
	root *Node
}

// New создаёт пустое дерево типа t.
func New(t domain.DataType) *Tree {
	return &Tree{typ: t, root: &Node{}}
}

// FromValue строит дерево из скаляра или вложенного массива.
// Каждый уровень массива становится уровнем разброса.
func FromValue(t domain.DataType, raw any) (*Tree, error) {
	tree := New(t)
	if err := tree.addValue(domain.Path{}, raw); err != nil {
		return nil, err
	}
	return tree, nil
}

func (t *Tree) addValue(path domain.Path, raw any) error {
	if obj, ok := raw.(domain.DataObject); ok {
		return t.AddDataObject(path, obj)
	}

	if items, ok := asList(raw); ok {
		if len(items) == 0 {
			return t.AddBranch(path, 0)
		}
		for i, item := range items {
			seg := domain.Segment{Index: i, Degree: len(items)}
			if err := t.addValue(path.Append(seg), item); err != nil {
				return err
			}
		}
		return nil
	}

	obj, err := domain.NewDataObject(t.typ, raw)
	if err != nil {
		return pathErr(path, err)
	}
	return t.AddDataObject(path, obj)
}

func asList(raw any) ([]any, bool) {
	if raw == nil {
		return nil, false
	}
	if items, ok := raw.([]any); ok {
		return items, true
	}
	v := reflect.ValueOf(raw)
	if v.Kind() != reflect.Slice || v.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	items := make([]any, v.Len())
	for i := range items {
		items[i] = v.Index(i).Interface()
	}
	return items, true
}

// Type возвращает тип значений дерева.
func (t *Tree) Type() domain.DataType {
	return t.typ
}

// descend проходит путь, создавая промежуточные ветки.
// Возвращает узлы от корня до цели включительно.
func (t *Tree) descend(path domain.Path) ([]*Node, error) {
	if len(path) > MaxDepth {
		return nil, pathErr(path, ErrTooDeep)
	}

	stack := make([]*Node, 0, len(path)+1)
	node := t.root
	stack = append(stack, node)

	for i, seg := range path {
		at := path[:i]
		if node.Object != nil {
			return nil, pathErr(at, ErrUnexpectedLeaf)
		}
		if seg.Degree < 1 || seg.Index < 0 || seg.Index >= seg.Degree {
			return nil, pathErr(path[:i+1], ErrIndexOutOfRange)
		}
		if node.Degree == nil {
			degree := seg.Degree
			node.Degree = &degree
			node.Children = make(map[int]*Node, degree)
		} else if *node.Degree != seg.Degree {
			return nil, pathErr(at, fmt.Errorf("%w: have %d, got %d", ErrDegreeMismatch, *node.Degree, seg.Degree))
		}
		if node.Children == nil {
			node.Children = make(map[int]*Node, *node.Degree)
		}

		child, ok := node.Children[seg.Index]
		if !ok {
			child = &Node{}
			node.Children[seg.Index] = child
		}
		node = child
		stack = append(stack, node)
	}
	return stack, nil
}

// AddDataObject записывает значение по адресу path.
//
// Повторная запись значения с тем же отпечатком — no-op.
// Другое значение по занятому адресу — ErrDataConflict.
func (t *Tree) AddDataObject(path domain.Path, obj domain.DataObject) error {
	if obj.Type != t.typ {
		return pathErr(path, fmt.Errorf("%w: tree is %s, got %s", ErrTypeMismatch, t.typ, obj.Type))
	}
	if err := obj.Validate(); err != nil {
		return pathErr(path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stack, err := t.descend(path)
	if err != nil {
		return err
	}

	target := stack[len(stack)-1]
	if target.isBranch() {
		return pathErr(path, ErrUnexpectedBranch)
	}
	if target.Object != nil {
		if target.Object.Equal(obj) {
			return nil
		}
		return pathErr(path, ErrDataConflict)
	}

	stored := obj
	target.Object = &stored
	recomputeStack(stack)
	return nil
}

// AddBranch объявляет ветку степени degree. Степень 0 — пустой массив.
func (t *Tree) AddBranch(path domain.Path, degree int) error {
	if degree < 0 {
		return pathErr(path, ErrIndexOutOfRange)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stack, err := t.descend(path)
	if err != nil {
		return err
	}

	target := stack[len(stack)-1]
	if target.Object != nil {
		return pathErr(path, ErrUnexpectedLeaf)
	}
	if target.Degree != nil {
		if *target.Degree != degree {
			return pathErr(path, fmt.Errorf("%w: have %d, got %d", ErrDegreeMismatch, *target.Degree, degree))
		}
		return nil
	}

	target.Degree = &degree
	target.Children = make(map[int]*Node, degree)
	recomputeStack(stack)
	return nil
}

func recomputeStack(stack []*Node) {
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i].recompute()
	}
}

// find возвращает узел по пути без создания.
func (t *Tree) find(path domain.Path) (*Node, error) {
	node := t.root
	for i, seg := range path {
		if node.Degree == nil {
			if node.Object != nil {
				return nil, pathErr(path[:i], ErrUnexpectedLeaf)
			}
			return nil, pathErr(path[:i+1], ErrMissingBranch)
		}
		if *node.Degree != seg.Degree {
			return nil, pathErr(path[:i], ErrDegreeMismatch)
		}
		child, ok := node.Children[seg.Index]
		if !ok {
			return nil, pathErr(path[:i+1], ErrMissingBranch)
		}
		node = child
	}
	return node, nil
}

// IsComplete возвращает true, если все листья заполнены.
func (t *Tree) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.Complete
}

// IsCompleteAt проверяет заполненность поддерева.
func (t *Tree) IsCompleteAt(path domain.Path) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, err := t.find(path)
	return err == nil && node.Complete
}

// DataObject возвращает значение листа.
func (t *Tree) DataObject(path domain.Path) (domain.DataObject, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, err := t.find(path)
	if err != nil {
		return domain.DataObject{}, err
	}
	if node.isBranch() {
		return domain.DataObject{}, pathErr(path, ErrUnexpectedBranch)
	}
	if node.Object == nil {
		return domain.DataObject{}, pathErr(path, ErrNotReady)
	}
	return *node.Object, nil
}

// Value — собранное значение поддерева: лист или упорядоченный массив.
type Value struct {
	Object *domain.DataObject
	Items  []Value
}

// IsLeaf возвращает true для скаляра.
func (v Value) IsLeaf() bool {
	return v.Object != nil
}

// Native возвращает значение в виде вложенных []any.
func (v Value) Native() any {
	if v.Object != nil {
		return v.Object.Native()
	}
	out := make([]any, len(v.Items))
	for i, item := range v.Items {
		out[i] = item.Native()
	}
	return out
}

// Objects возвращает листья в порядке обхода.
func (v Value) Objects() []domain.DataObject {
	if v.Object != nil {
		return []domain.DataObject{*v.Object}
	}
	var out []domain.DataObject
	for _, item := range v.Items {
		out = append(out, item.Objects()...)
	}
	return out
}

// Gather собирает поддерево по адресу path. Дети упорядочены по позиции.
// Незаполненное поддерево — ErrNotReady.
func (t *Tree) Gather(path domain.Path) (Value, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, err := t.find(path)
	if err != nil {
		return Value{}, err
	}
	if !node.Complete {
		return Value{}, pathErr(path, ErrNotReady)
	}
	return gatherNode(node), nil
}

func gatherNode(n *Node) Value {
	if n.Object != nil {
		obj := *n.Object
		return Value{Object: &obj}
	}
	items := make([]Value, 0, len(n.Children))
	for _, i := range n.sortedIndexes() {
		items = append(items, gatherNode(n.Children[i]))
	}
	return Value{Items: items}
}

// Flatten возвращает листья поддерева одним упорядоченным списком.
func (t *Tree) Flatten(path domain.Path) ([]domain.DataObject, error) {
	v, err := t.Gather(path)
	if err != nil {
		return nil, err
	}
	objs := v.Objects()
	if objs == nil {
		objs = []domain.DataObject{}
	}
	return objs, nil
}

// Leaf — заполненный лист и его адрес.
type Leaf struct {
	Path   domain.Path
	Object domain.DataObject
}

// Leaves возвращает заполненные листья по возрастанию адреса.
func (t *Tree) Leaves() []Leaf {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Leaf
	walk(t.root, domain.Path{}, func(path domain.Path, n *Node) {
		if n.Object != nil {
			out = append(out, Leaf{Path: path, Object: *n.Object})
		}
	})
	return out
}

// EmptyBranches возвращает адреса веток степени 0 по возрастанию.
func (t *Tree) EmptyBranches() []domain.Path {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []domain.Path
	walk(t.root, domain.Path{}, func(path domain.Path, n *Node) {
		if n.Degree != nil && *n.Degree == 0 {
			out = append(out, path)
		}
	})
	return out
}

// walk обходит узлы в порядке возрастания позиций.
func walk(n *Node, path domain.Path, fn func(domain.Path, *Node)) {
	fn(path, n)
	if n.Degree == nil {
		return
	}
	for _, i := range n.sortedIndexes() {
		walk(n.Children[i], path.Append(domain.Segment{Index: i, Degree: *n.Degree}), fn)
	}
}

// Entry — один набор значений для входа с заданной глубиной сбора.
type Entry struct {
	Path     domain.Path
	Gathered bool
	Objects  []domain.DataObject
}

// ReadyEntries разбивает заполненное дерево на наборы для tasks.
//
// gatherDepth=0: по одному листу на task. gatherDepth=n: последние n
// уровней разброса сворачиваются в массив, адрес укорачивается на n.
func (t *Tree) ReadyEntries(gatherDepth int) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.root.Complete {
		return nil, ErrNotReady
	}

	var (
		out  []Entry
		seen = make(map[string]bool)
	)
	add := func(path domain.Path) {
		key := path.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		node, _ := t.find(path)
		out = append(out, Entry{Path: path, Gathered: true, Objects: gatherNode(node).Objects()})
	}

	walk(t.root, domain.Path{}, func(path domain.Path, n *Node) {
		switch {
		case n.Object != nil:
			if gatherDepth == 0 {
				out = append(out, Entry{Path: path, Objects: []domain.DataObject{*n.Object}})
				return
			}
			add(path.Truncate(gatherDepth))
		case n.Degree != nil && *n.Degree == 0 && gatherDepth > 0:
			add(path.Truncate(gatherDepth - 1))
		}
	})
	return out, nil
}

// Height возвращает глубину разброса самого глубокого листа.
func (t *Tree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	height := 0
	walk(t.root, domain.Path{}, func(path domain.Path, _ *Node) {
		if len(path) > height {
			height = len(path)
		}
	})
	return height
}

// Fingerprint возвращает хэш содержимого дерева.
func (t *Tree) Fingerprint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fingerprintNode(t.root)
}

func fingerprintNode(n *Node) string {
	h := sha256.New()
	switch {
	case n.Object != nil:
		h.Write([]byte("leaf:" + n.Object.Fingerprint))
	case n.Degree != nil:
		h.Write([]byte("branch:" + strconv.Itoa(*n.Degree)))
		for _, i := range n.sortedIndexes() {
			h.Write([]byte(strconv.Itoa(i) + ":" + fingerprintNode(n.Children[i])))
		}
	default:
		h.Write([]byte("empty"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone возвращает независимую копию дерева.
func (t *Tree) Clone() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Tree{typ: t.typ, root: t.root.clone()}
}

type treeJSON struct {
	Type domain.DataType `json:"type"`
	Root *Node           `json:"root"`
}

// MarshalJSON реализует json.Marshaler.
func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(treeJSON{Type: t.typ, Root: t.root})
}

// UnmarshalJSON восстанавливает дерево и пересчитывает заполненность.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var raw treeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Root == nil {
		raw.Root = &Node{}
	}
	refresh(raw.Root)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.typ = raw.Type
	t.root = raw.Root
	return nil
}

// refresh восстанавливает поля, которые не попадают в JSON: пустая
// карта детей у объявленной ветки и признаки заполненности.
func refresh(n *Node) {
	if n.Degree != nil && n.Children == nil {
		n.Children = make(map[int]*Node, *n.Degree)
	}
	for _, child := range n.Children {
		refresh(child)
	}
	n.recompute()
}
