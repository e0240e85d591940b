package index

import "container/heap"

// MergeNSearchResults merges multiple sorted result lists into a single
// sorted list of at most k results. All input lists must be sorted by
// ascending distance (ties by handle). Duplicate handles are dropped,
// keeping the closest occurrence.
func MergeNSearchResults(k int, lists ...[]SearchResult) []SearchResult {
	res := make([]SearchResult, 0, k)
	MergeNSearchResultsInto(&res, k, lists...)
	return res
}

// MergeNSearchResultsInto merges into the provided buffer, clearing it first.
func MergeNSearchResultsInto(dst *[]SearchResult, k int, lists ...[]SearchResult) {
	*dst = (*dst)[:0]
	if k <= 0 {
		return
	}

	var activeListsBuf [8][]SearchResult
	var activeLists [][]SearchResult
	if len(lists) <= 8 {
		activeLists = activeListsBuf[:0]
	} else {
		activeLists = make([][]SearchResult, 0, len(lists))
	}

	for _, l := range lists {
		if len(l) > 0 {
			activeLists = append(activeLists, l)
		}
	}

	switch len(activeLists) {
	case 0:
		return
	case 1:
		l := activeLists[0]
		if len(l) > k {
			l = l[:k]
		}
		*dst = append(*dst, l...)
		return
	case 2:
		mergeTwoInto(dst, activeLists[0], activeLists[1], k)
		return
	}

	// N-way merge via min-heap. Lists come from overlapping clusters, so the
	// same handle can surface more than once; seen tracks emitted handles.
	h := make(mergeHeap, 0, len(activeLists))
	for i, list := range activeLists {
		h = append(h, mergeItem{res: list[0], listIdx: i})
	}
	heap.Init(&h)

	seen := make(map[uint64]struct{}, k)
	for h.Len() > 0 && len(*dst) < k {
		item := heap.Pop(&h).(mergeItem)

		if _, dup := seen[item.res.ID]; !dup {
			seen[item.res.ID] = struct{}{}
			*dst = append(*dst, item.res)
		}

		if next := item.elemIdx + 1; next < len(activeLists[item.listIdx]) {
			heap.Push(&h, mergeItem{
				res:     activeLists[item.listIdx][next],
				listIdx: item.listIdx,
				elemIdx: next,
			})
		}
	}
}

func mergeTwoInto(dst *[]SearchResult, a, b []SearchResult, k int) {
	var lastID uint64
	var have bool

	emit := func(r SearchResult) {
		if have && r.ID == lastID {
			return
		}
		*dst = append(*dst, r)
		lastID, have = r.ID, true
	}

	i, j := 0, 0
	for len(*dst) < k && (i < len(a) || j < len(b)) {
		switch {
		case i < len(a) && j < len(b):
			if Less(a[i], b[j]) {
				emit(a[i])
				i++
			} else {
				emit(b[j])
				j++
			}
		case i < len(a):
			emit(a[i])
			i++
		default:
			emit(b[j])
			j++
		}
	}
}

type mergeItem struct {
	res     SearchResult
	listIdx int
	elemIdx int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return Less(h[i].res, h[j].res) }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(mergeItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
