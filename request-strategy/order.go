package requestStrategy

import (
	"github.com/anacrolix/multiless"
	"github.com/tidwall/btree"
)

type pieceOrderItem struct {
	index        int
	availability int
}

// Rarest first, then by index so selection is deterministic.
func pieceOrderLess(i, j *pieceOrderItem) multiless.Computation {
	return multiless.New().Int(
		i.availability, j.availability,
	).Int(
		i.index, j.index,
	)
}

// Unverified pieces ordered for selection. Availability changes move a piece within the tree.
type pieceOrder struct {
	tree *btree.BTreeG[pieceOrderItem]
	keys map[int]int
}

func newPieceOrder(cap int) *pieceOrder {
	return &pieceOrder{
		tree: btree.NewBTreeGOptions(
			func(a, b pieceOrderItem) bool {
				return pieceOrderLess(&a, &b).Less()
			},
			btree.Options{NoLocks: true, Degree: 64},
		),
		keys: make(map[int]int, cap),
	}
}

func (me *pieceOrder) Add(index, availability int) {
	if old, ok := me.keys[index]; ok {
		if old == availability {
			return
		}
		me.tree.Delete(pieceOrderItem{index, old})
	}
	me.tree.Set(pieceOrderItem{index, availability})
	me.keys[index] = availability
}

func (me *pieceOrder) Delete(index int) bool {
	availability, ok := me.keys[index]
	if !ok {
		return false
	}
	me.tree.Delete(pieceOrderItem{index, availability})
	delete(me.keys, index)
	return true
}

func (me *pieceOrder) Contains(index int) bool {
	_, ok := me.keys[index]
	return ok
}

func (me *pieceOrder) Len() int {
	return me.tree.Len()
}

// Calls f with pieces in selection order until it returns false.
func (me *pieceOrder) Scan(f func(index int) bool) {
	me.tree.Scan(func(item pieceOrderItem) bool {
		return f(item.index)
	})
}
