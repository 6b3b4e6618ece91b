package requestStrategy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func scanAll(po *pieceOrder) (ret []int) {
	po.Scan(func(i int) bool {
		ret = append(ret, i)
		return true
	})
	return
}

func TestPieceOrderFollowsAvailability(t *testing.T) {
	po := newPieceOrder(4)
	for i := range 4 {
		po.Add(i, 0)
	}
	po.Add(0, 3)
	po.Add(2, 1)
	if diff := cmp.Diff([]int{1, 3, 2, 0}, scanAll(po)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	// Re-adding with the same availability is a no-op.
	po.Add(2, 1)
	if po.Len() != 4 {
		t.Fatalf("len %d", po.Len())
	}
	if !po.Delete(1) || po.Delete(1) {
		t.Fatal("delete")
	}
	if po.Contains(1) {
		t.Fatal("still contains deleted piece")
	}
	if diff := cmp.Diff([]int{3, 2, 0}, scanAll(po)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestPieceOrderScanStops(t *testing.T) {
	po := newPieceOrder(8)
	for i := range 8 {
		po.Add(i, 8-i)
	}
	var got []int
	po.Scan(func(i int) bool {
		got = append(got, i)
		return len(got) < 3
	})
	if diff := cmp.Diff([]int{7, 6, 5}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
