package fork

import (
	"fmt"
	"sort"
)

type revision struct {
	id    int
	index int
}

// journal is a list of undo closures with numbered revisions, the same
// contract as go-ethereum's state journal.
type journal struct {
	entries   []func()
	revisions []revision
	nextID    int
}

func (j *journal) append(undo func()) {
	j.entries = append(j.entries, undo)
}

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.revisions = append(j.revisions, revision{id, len(j.entries)})
	return id
}

func (j *journal) revert(id int) {
	idx := sort.Search(len(j.revisions), func(i int) bool {
		return j.revisions[i].id >= id
	})
	if idx == len(j.revisions) || j.revisions[idx].id != id {
		panic(fmt.Errorf("revision id %v cannot be reverted", id))
	}
	snap := j.revisions[idx].index
	for i := len(j.entries) - 1; i >= snap; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:snap]
	j.revisions = j.revisions[:idx]
}

func (j *journal) reset() {
	j.entries = j.entries[:0]
	j.revisions = j.revisions[:0]
}
