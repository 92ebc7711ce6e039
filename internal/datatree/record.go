package datatree

import (
	"github.com/google/uuid"
)

// Record — сохранённое дерево канала.
//
// Дерево принадлежит ровно одному run (OwnerRunID). Другие runs
// ссылаются на него только для чтения.
type Record struct {
	ID         uuid.UUID `json:"id"`
	Revision   int64     `json:"revision"`
	OwnerRunID uuid.UUID `json:"owner_run_id"`
	Channel    string    `json:"channel"`
	Tree       *Tree     `json:"tree"`
}

// NewRecord создаёт запись с пустым деревом.
func NewRecord(owner uuid.UUID, channel string, tree *Tree) *Record {
	return &Record{
		ID:         uuid.New(),
		OwnerRunID: owner,
		Channel:    channel,
		Tree:       tree,
	}
}

// Clone возвращает копию записи с независимым деревом.
func (r *Record) Clone() *Record {
	c := *r
	if r.Tree != nil {
		c.Tree = r.Tree.Clone()
	}
	return &c
}
