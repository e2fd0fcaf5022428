package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextID_EmptyLogStartsAtOne(t *testing.T) {
	assert.Equal(t, "r1", NextID(nil, "id", "r"))
}

func TestNextID_MonotonicAcrossExistingRows(t *testing.T) {
	rows := []Row{
		{"id": "r1"},
		{"id": "r3"},
		{"id": "r2"},
	}
	assert.Equal(t, "r4", NextID(rows, "id", "r"))
}

func TestNextID_IgnoresOtherPrefixesAndFields(t *testing.T) {
	rows := []Row{
		{"id": "c9"},          // wrong prefix for "r"
		{"chat_id": "r9"},     // wrong field
		{"id": "r2"},
	}
	assert.Equal(t, "r3", NextID(rows, "id", "r"))
}
