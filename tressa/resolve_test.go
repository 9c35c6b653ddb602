package tressa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveVariables(t *testing.T) {
	t.Parallel()
	conv := DefaultConventions()

	t.Run("shadow_slot_wins", func(t *testing.T) {
		target := newFakeFunc("foo", "x").block("entry",
			alloc("x"), alloc("x.addr"), alloc("y"), store("x.addr"), ret())

		binding := ResolveVariables(target, []string{"x", "y"}, conv)
		require.Len(t, binding, 2)
		x, ok := binding.Lookup("x")
		require.True(t, ok)
		assert.Equal(t, "x.addr", x.Name)
		assert.Equal(t, StorageSlot, x.Kind)
		y, ok := binding.Lookup("y")
		require.True(t, ok)
		assert.Equal(t, "y", y.Name)
		assert.Equal(t, StorageSlot, y.Kind)
	})

	t.Run("first_local_wins", func(t *testing.T) {
		first := alloc("y")
		target := newFakeFunc("foo").block("entry", first, alloc("y"), ret())

		binding := ResolveVariables(target, []string{"y"}, conv)
		ref, ok := binding.Lookup("y")
		require.True(t, ok)
		assert.Same(t, first.Handle, ref.Handle)
	})

	t.Run("shadow_suffix_of_non_argument", func(t *testing.T) {
		target := newFakeFunc("foo").block("entry", alloc("z.addr"), ret())

		binding := ResolveVariables(target, []string{"z"}, conv)
		_, ok := binding.Lookup("z")
		assert.False(t, ok)
	})

	t.Run("argument_fallback", func(t *testing.T) {
		target := newFakeFunc("foo", "n").block("entry", ret())

		binding := ResolveVariables(target, []string{"n"}, conv)
		ref, ok := binding.Lookup("n")
		require.True(t, ok)
		assert.Equal(t, StorageArgument, ref.Kind)
		assert.Equal(t, "n", ref.Name)
	})

	t.Run("unbound_absent", func(t *testing.T) {
		target := newFakeFunc("foo", "n").block("entry", alloc("n.addr"), alloc("other"), ret())

		binding := ResolveVariables(target, []string{"missing"}, conv)
		assert.Empty(t, binding)
	})

	t.Run("nothing_required", func(t *testing.T) {
		target := newFakeFunc("foo", "n").block("entry", alloc("n.addr"), ret())

		assert.Empty(t, ResolveVariables(target, nil, conv))
	})
}

func TestEntryBinding(t *testing.T) {
	t.Parallel()
	conv := DefaultConventions()
	target := newFakeFunc("foo", "n", "m").block("entry",
		alloc("n.addr"), alloc("y"), spill("n"), ret())

	binding := ResolveVariables(target, []string{"n", "m", "y"}, conv)
	entry := entryBinding(target, binding, conv)

	n, ok := entry.Lookup("n")
	require.True(t, ok)
	assert.Equal(t, StorageRef{Name: "n", Kind: StorageArgument, Handle: target.Params()[0].Handle}, n)
	m, ok := entry.Lookup("m")
	require.True(t, ok)
	assert.Equal(t, StorageArgument, m.Kind)
	y, ok := entry.Lookup("y")
	require.True(t, ok)
	assert.Equal(t, StorageSlot, y.Kind)

	// the resolved binding is left as is for later insertion points
	assert.Equal(t, "n.addr", binding["n"].Name)
}
