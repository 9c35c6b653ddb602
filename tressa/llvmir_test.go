package tressa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

const testModulesArchive = "testdata/modules.txtar"

func testModuleSource(t *testing.T, name string) []byte {
	t.Helper()

	archive, err := txtar.ParseFile(testModulesArchive)
	require.NoError(t, err)
	for _, f := range archive.Files {
		if f.Name == name {
			return f.Data
		}
	}
	require.FailNow(t, "module not in archive", name)
	return nil
}

func parseTestModule(t *testing.T, name string) *LLVMModule {
	t.Helper()

	m, err := ParseLLVM(name, testModuleSource(t, name))
	require.NoError(t, err)
	return m
}

func findFunction(t *testing.T, m Module, name string) Function {
	t.Helper()

	for _, f := range m.Functions() {
		if f.Name() == name {
			return f
		}
	}
	require.FailNow(t, "function not found", name)
	return nil
}

func TestLLVMSnapshot(t *testing.T) {
	t.Parallel()
	m := parseTestModule(t, "branchy.ll")

	assert.Equal(t, "branchy.ll", m.Name())
	require.Len(t, m.Functions(), 3)
	foo := findFunction(t, m, "foo")
	assert.False(t, foo.Declaration())
	params := foo.Params()
	require.Len(t, params, 1)
	assert.Equal(t, "n", params[0].Name)
	assert.Equal(t, "i32", params[0].Type)

	blocks := foo.Blocks()
	require.Len(t, blocks, 4)
	assert.Equal(t, []string{"entry", "if.then", "if.end", "return"},
		[]string{blocks[0].Label, blocks[1].Label, blocks[2].Label, blocks[3].Label})

	entry := blocks[0].Insts
	require.Len(t, entry, 6)
	assert.Equal(t, InstAlloc, entry[0].Kind)
	assert.Equal(t, "retval", entry[0].Name)
	assert.Equal(t, InstStore, entry[2].Kind)
	assert.Equal(t, "n.addr", entry[2].Ptr)
	assert.Equal(t, InstLoad, entry[3].Kind)
	assert.Equal(t, "v", entry[3].Name)
	assert.Equal(t, InstOther, entry[4].Kind)
	assert.Equal(t, InstBranch, entry[5].Kind)
	assert.Equal(t, []string{"if.then", "if.end"}, entry[5].Succs)
	assert.Equal(t, InstReturn, blocks[3].Insts[1].Kind)
}

func TestLLVMPassRun(t *testing.T) {
	t.Parallel()

	t.Run("conditional_end", func(t *testing.T) {
		m := parseTestModule(t, "branchy.ll")

		report, err := NewPass().Run(m)
		require.NoError(t, err)
		require.Len(t, report.Insertions, 2)

		out := m.Render()
		first := "call void @_assertfn_check(i32 1, i32 %_tmp_n, i32 1)"
		second := "call void @_assertfn_other(i32 1, i32 %_tmp_n.1, i32 1)"
		assert.Contains(t, out, "%_tmp_n = load i32, i32* %n.addr")
		assert.Contains(t, out, "%_tmp_n.1 = load i32, i32* %n.addr")
		require.Contains(t, out, first)
		require.Contains(t, out, second)
		ifEnd := strings.Index(out, "\nif.end:")
		store := strings.Index(out, "store i32 0, i32* %retval")
		assert.Less(t, ifEnd, strings.Index(out, first))
		assert.Less(t, strings.Index(out, first), strings.Index(out, second))
		assert.Less(t, strings.Index(out, second), store)

		// the instrumented text parses again
		_, err = ParseLLVM("reparse.ll", []byte(out))
		require.NoError(t, err)
	})

	t.Run("class_receiver_cast", func(t *testing.T) {
		m := parseTestModule(t, "class.ll")

		report, err := NewPass().Run(m)
		require.NoError(t, err)
		require.Len(t, report.Insertions, 1)
		assert.Equal(t, "Foo::bar", report.Insertions[0].TargetFunction)

		out := m.Render()
		assert.Contains(t, out, "%tressa.cast = bitcast %class.Foo* %this to i8*")
		assert.Contains(t, out, "call void @assertfn_class_check(i8* %tressa.cast, i32 1, i32 1)")
		assert.Less(t, strings.Index(out, "%tressa.cast = bitcast"), strings.Index(out, "%this.addr = alloca"))
	})

	t.Run("strict_failure_unchanged", func(t *testing.T) {
		m := parseTestModule(t, "unresolved.ll")
		before := m.Render()

		_, err := NewPass().Run(m)
		require.ErrorIs(t, err, ErrVariableUnresolved)
		assert.Equal(t, before, m.Render())
	})

	t.Run("loose_partial", func(t *testing.T) {
		m := parseTestModule(t, "unresolved.ll")

		pass := NewPass()
		pass.Strict = false
		report, err := pass.Run(m)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		out := m.Render()
		assert.Contains(t, out, "call void @_assertfn_good(i32 1, i32 %n, i32 1)")
		assert.NotContains(t, out, "call void @_assertfn_bad")
	})

	t.Run("entry_passes_argument_value", func(t *testing.T) {
		m := parseTestModule(t, "unresolved.ll")

		pass := NewPass()
		pass.Strict = false
		report, err := pass.Run(m)
		require.NoError(t, err)
		require.Len(t, report.Insertions, 1)
		assert.Equal(t, []string{"1", "n", "1"}, report.Insertions[0].Args)

		// the shadow slot is only written after the entry call, so it must not be read
		out := m.Render()
		assert.NotContains(t, out, "load i32, i32* %n.addr")
		call := strings.Index(out, "call void @_assertfn_good(i32 1, i32 %n, i32 1)")
		require.GreaterOrEqual(t, call, 0)
		assert.Less(t, call, strings.Index(out, "store i32 %n, i32* %n.addr"))

		_, err = ParseLLVM("reparse.ll", []byte(out))
		require.NoError(t, err)
	})
}

func TestLLVMArgumentConversion(t *testing.T) {
	t.Parallel()

	t.Run("integer_widen_and_truncate", func(t *testing.T) {
		m := parseTestModule(t, "widen.ll")

		report, err := NewPass().Run(m)
		require.NoError(t, err)
		require.Len(t, report.Insertions, 1)

		out := m.Render()
		assert.Contains(t, out, "%tressa.cast = sext i32 %_tmp_n to i64")
		assert.Contains(t, out, "%tressa.cast.1 = trunc i64 %_tmp_big to i32")
		assert.Contains(t, out,
			"call void @_assertfn_check(i32 1, i64 %tressa.cast, i32 %tressa.cast.1, i32 1)")
		_, err = ParseLLVM("reparse.ll", []byte(out))
		require.NoError(t, err)
	})

	t.Run("incompatible_strict", func(t *testing.T) {
		m := parseTestModule(t, "mismatch.ll")
		before := m.Render()

		report, err := NewPass().Run(m)
		require.ErrorIs(t, err, ErrArgumentTypeMismatch)
		var aerr *AssertError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, "_assertfn_bad", aerr.AssertFunction)
		assert.Contains(t, aerr.Detail, "parameter n is double")
		assert.Empty(t, report.Insertions)
		assert.Equal(t, before, m.Render())
	})

	t.Run("incompatible_loose", func(t *testing.T) {
		m := parseTestModule(t, "mismatch.ll")

		pass := NewPass()
		pass.Strict = false
		report, err := pass.Run(m)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		out := m.Render()
		assert.Contains(t, out, "call void @_assertfn_good(i32 1, i32 %_tmp_n, i32 1)")
		assert.NotContains(t, out, "call void @_assertfn_bad")
	})

	t.Run("check_call", func(t *testing.T) {
		m := parseTestModule(t, "mismatch.ll")
		foo := findFunction(t, m, "foo")
		checker, ok := foo.(CallChecker)
		require.True(t, ok)
		n := foo.Params()[0]

		sentinel := CallArg{Kind: ArgSentinel, Value: 1}
		arg := CallArg{Kind: ArgValue, Param: "n", Storage: StorageRef{Name: "n", Kind: StorageArgument, Handle: n.Handle}}
		require.NoError(t, checker.CheckCall(CallPlan{Hook: "_assertfn_good", Args: []CallArg{sentinel, arg, sentinel}}))
		require.ErrorIs(t, checker.CheckCall(CallPlan{Hook: "_assertfn_bad", Args: []CallArg{sentinel, arg, sentinel}}),
			ErrArgumentTypeMismatch)
		require.ErrorIs(t, checker.CheckCall(CallPlan{Hook: "_assertfn_good", Args: []CallArg{sentinel}}),
			ErrArgumentCountMismatch)

		// the insertion path rejects the same plan without touching the function
		_, err := foo.InsertCall(foo.Blocks()[0].Insts[0], CallPlan{Hook: "_assertfn_bad",
			Args: []CallArg{sentinel, arg, sentinel}})
		require.ErrorIs(t, err, ErrArgumentTypeMismatch)
		assert.Len(t, foo.Blocks()[0].Insts, 4)
	})
}

func TestParseOpaquePointers(t *testing.T) {
	t.Parallel()

	_, err := ParseLLVM("opaque.ll", []byte(`define void @f(i32 %n) {
entry:
  %n.addr = alloca i32, align 4
  store i32 %n, ptr %n.addr, align 4
  ret void
}
`))
	require.ErrorIs(t, err, ErrOpaquePointerIR)

	_, err = ParseLLVM("broken.ll", []byte("define void @f( {\n"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOpaquePointerIR)
}

func TestLLVMInsertCallErrors(t *testing.T) {
	t.Parallel()
	m := parseTestModule(t, "branchy.ll")
	foo := findFunction(t, m, "foo")
	anchor := foo.Blocks()[0].Insts[0]

	_, err := foo.InsertCall(anchor, CallPlan{Hook: "missing"})
	require.Error(t, err)

	_, err = foo.InsertCall(anchor, CallPlan{Hook: "_assertfn_check"})
	require.ErrorIs(t, err, ErrArgumentCountMismatch)

	stale := Inst{Kind: InstOther, Text: "stale", Handle: &instID{text: "stale"}}
	plan := CallPlan{Hook: "_assertfn_check", Args: []CallArg{
		{Kind: ArgSentinel, Value: 1}, {Kind: ArgSentinel, Value: 1}, {Kind: ArgSentinel, Value: 1},
	}}
	_, err = foo.InsertCall(stale, plan)
	require.ErrorIs(t, err, ErrAnchorNotFound)

	inserted, err := foo.InsertCall(anchor, plan)
	require.NoError(t, err)
	assert.Equal(t, InstCall, inserted.Kind)
	assert.Equal(t, "_assertfn_check", inserted.Callee)
	assert.Len(t, foo.Blocks()[0].Insts, 7)
}
