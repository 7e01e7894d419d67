package array

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	t.Run("Contains int", func(t *testing.T) {
		array := []int{1, 2, 3}
		assert.False(t, Contains(array, 4))
		assert.True(t, Contains(array, 3))
	})

	t.Run("Contains string", func(t *testing.T) {
		array := []string{"a", "b", "c"}
		assert.False(t, Contains(array, "d"))
		assert.True(t, Contains(array, "a"))
	})

	t.Run("Contains any", func(t *testing.T) {
		array := []any{1, "test", 3.14, []int{1, 2, 3}}
		assert.False(t, Contains(array, 4))
		assert.True(t, Contains(array, "test"))
	})
}
