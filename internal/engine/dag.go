package engine

import (
	"fmt"

	"github.com/shaiso/Tapestry/internal/domain"
)

// Node — дочерний шаг workflow в графе каналов.
type Node struct {
	// Step — определение шага из шаблона.
	Step *domain.Template

	// ID — имя шага, уникальное среди соседей.
	ID string

	// Index — позиция шага в шаблоне.
	Index int

	// InDegree — количество входящих рёбер.
	InDegree int

	// DependsOn — шаги, чьи выходы читает этот шаг.
	DependsOn []*Node

	// Dependents — шаги, читающие выходы этого шага.
	Dependents []*Node
}

// DAG — граф соседних шагов одного workflow.
//
// Ребро A → B существует, если B читает канал, в который пишет A.
type DAG struct {
	// Nodes — все узлы графа (имя → Node).
	Nodes map[string]*Node

	// RootNodes — шаги без входящих рёбер в порядке шаблона.
	RootNodes []*Node

	// Order — топологический порядок; при равенстве — порядок шаблона.
	Order []*Node

	// Producers — канал → шаг, который его производит.
	Producers map[string]*Node

	nodes []*Node
}

// BuildDAG строит граф дочерних шагов workflow.
func BuildDAG(wf *domain.Template) (*DAG, error) {
	dag := &DAG{
		Nodes:     make(map[string]*Node),
		Producers: make(map[string]*Node),
	}

	// Первый проход: узлы и производители каналов
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if _, exists := dag.Nodes[step.Name]; exists {
			return nil, NewValidationError(wf.Name, "steps",
				fmt.Sprintf("step %q declared twice", step.Name), ErrDuplicateStepName)
		}

		node := &Node{
			Step:       step,
			ID:         step.Name,
			Index:      i,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
		dag.Nodes[step.Name] = node
		dag.nodes = append(dag.nodes, node)

		for _, out := range step.Outputs {
			if prev, exists := dag.Producers[out.Channel]; exists {
				return nil, &ChannelNameCollisionError{
					Workflow: wf.Name,
					Channel:  out.Channel,
					Sources:  []string{prev.ID, step.Name},
				}
			}
			dag.Producers[out.Channel] = node
		}
	}

	// Второй проход: рёбра по каналам
	for _, node := range dag.nodes {
		for _, in := range node.Step.Inputs {
			producer, ok := dag.Producers[in.Channel]
			if !ok || producer == node {
				continue
			}
			dag.addEdge(producer, node)
		}
	}

	dag.findRootNodes()

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.Name, err)
	}
	dag.Order = order

	return dag, nil
}

// addEdge добавляет ребро между узлами.
// Дубликаты не увеличивают InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.nodes {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.nodes))
	for _, node := range d.nodes {
		inDegree[node.ID] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(d.nodes) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// GetNode возвращает узел по имени шага.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// Upstream возвращает все шаги, от которых транзитивно зависит id.
func (d *DAG) Upstream(id string) []string {
	node, ok := d.Nodes[id]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		for _, dep := range n.DependsOn {
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			visit(dep)
		}
	}
	visit(node)

	out := make([]string, 0, len(seen))
	for _, n := range d.Order {
		if seen[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}
