package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func seedBoard() *Board {
	b := NewBoard()
	b.Replace("p", []*Task{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	return b
}

func TestBoardRemoveSelectsSibling(t *testing.T) {
	tests := []struct {
		name     string
		selected string
		remove   string
		want     string
	}{
		{"middle selects next", "b", "b", "c"},
		{"last selects previous", "c", "c", "b"},
		{"unselected keeps selection", "a", "c", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := seedBoard()
			b.Select(tt.selected)
			b.Remove("p", tt.remove)
			assert.Equal(t, tt.want, b.Selected())
		})
	}
}

func TestBoardRemoveLastTaskClearsSelection(t *testing.T) {
	b := NewBoard()
	b.Replace("p", []*Task{{ID: "only"}})
	b.Select("only")
	assert.Equal(t, 0, b.Remove("p", "only"))
	assert.Equal(t, "", b.Selected())
	assert.Equal(t, -1, b.Remove("p", "only"))
}

func TestBoardInsertRestoresPosition(t *testing.T) {
	b := seedBoard()
	idx := b.Remove("p", "b")
	b.Insert("p", idx, &Task{ID: "b"})
	assert.Equal(t, []string{"a", "b", "c"}, ids(b.Tasks("p")))

	b.Insert("p", 99, &Task{ID: "a"})
	assert.Equal(t, []string{"b", "c", "a"}, ids(b.Tasks("p")))

	b.Prepend("p", &Task{ID: "z"})
	assert.Equal(t, []string{"z", "b", "c", "a"}, ids(b.Tasks("p")))
}

func TestBoardFind(t *testing.T) {
	b := seedBoard()
	got, ok := b.Find("c")
	assert.True(t, ok)
	assert.Equal(t, "c", got.ID)
	_, ok = b.Find("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"p"}, b.Projects())
}
