package tressa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body    string
		spec    InsertionSpec
		wantErr error
	}{
		{"if_2", InsertionSpec{Kind: AtConditionalEnd, Construct: ConstructIf, Nth: 2}, nil},
		{"for_0", InsertionSpec{Kind: AtConditionalEnd, Construct: ConstructFor, Nth: 0}, nil},
		{"call_printf", InsertionSpec{Kind: AtCall, Callee: "printf"}, nil},
		{"call_my_func", InsertionSpec{Kind: AtCall, Callee: "func"}, nil},
		{"return_1", InsertionSpec{Kind: AtReturn, Nth: 1}, nil},
		{"return", InsertionSpec{Kind: AtReturn, Nth: 0}, nil},
		{"entry", InsertionSpec{Kind: AtEntry}, nil},
		{"xif_3", InsertionSpec{Kind: AtConditionalEnd, Construct: ConstructIf, Nth: 3}, nil},
		{"bogus_3", InsertionSpec{}, ErrUnrecognizedInsertionKeyword},
		{"", InsertionSpec{}, ErrUnrecognizedInsertionKeyword},
		{"if", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"if_x", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"for_-1", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"if_+1", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"return_+0", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"for_99999999999999999999", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"call", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"call_", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
		{"return_x", InsertionSpec{}, ErrMissingOrdinalOrCalleeSuffix},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			spec, err := ParseMarker(tt.body)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.spec, spec)
		})
	}
}

func TestInsertionSpecString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "entry", InsertionSpec{Kind: AtEntry}.String())
	assert.Equal(t, "return(0)", InsertionSpec{Kind: AtReturn}.String())
	assert.Equal(t, "return(*)", InsertionSpec{Kind: AtReturn, Nth: EveryOrdinal}.String())
	assert.Equal(t, "call(puts)", InsertionSpec{Kind: AtCall, Callee: "puts"}.String())
	assert.Equal(t, "for.end(1)", InsertionSpec{Kind: AtConditionalEnd, Construct: ConstructFor, Nth: 1}.String())
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Foo::bar", DisplayName("_ZN3Foo3barEv"))
	assert.Equal(t, "printf", DisplayName("_Z6printfPKcz"))
	assert.Equal(t, "_assertfn_check", DisplayName("_assertfn_check"))
	assert.Equal(t, "main", DisplayName("main"))
}

func TestParseAssertFunctions(t *testing.T) {
	t.Parallel()
	conv := DefaultConventions()
	strict := ParseOptions{Strict: true, ImplicitReturn: true}
	loose := ParseOptions{Strict: false, ImplicitReturn: true}

	t.Run("param_variant", func(t *testing.T) {
		hook := newFakeFunc("_assertfn_check", "foo", "x", "_tressa_return_0", "_tressa_call_printf")
		m := newFakeModule(newFakeFunc("foo", "x").block("entry", ret()), hook)

		decls, diags, err := ParseAssertFunctions(m, conv, strict)
		require.NoError(t, err)
		assert.Empty(t, diags)
		require.Len(t, decls, 1)
		decl := decls[0]
		assert.Equal(t, VariantParam, decl.Variant)
		assert.Equal(t, "foo", decl.TargetName)
		assert.Equal(t, []string{"x"}, decl.Required)
		require.Len(t, decl.Specs, 2)
		assert.Equal(t, InsertionSpec{Kind: AtReturn, Nth: 0, Source: "_tressa_return_0"}, decl.Specs[0])
		assert.Equal(t, InsertionSpec{Kind: AtCall, Callee: "printf", Source: "_tressa_call_printf"}, decl.Specs[1])
		assert.Equal(t, []AssertParam{
			{Name: "foo", Type: "i32"},
			{Name: "x", Type: "i32"},
			{Name: "_tressa_return_0", Type: "i32", Marker: true},
			{Name: "_tressa_call_printf", Type: "i32", Marker: true},
		}, decl.Params)
		assert.Same(t, Function(hook), decl.Hook())
	})

	t.Run("local_variant", func(t *testing.T) {
		hook := newFakeFunc("assertfn_check", "foo", "x").
			block("entry", alloc("_assertfn_check_if_1"), alloc("tmp"), ret())
		m := newFakeModule(hook)

		decls, _, err := ParseAssertFunctions(m, conv, strict)
		require.NoError(t, err)
		require.Len(t, decls, 1)
		assert.Equal(t, VariantLocal, decls[0].Variant)
		assert.Equal(t, []InsertionSpec{{
			Kind: AtConditionalEnd, Construct: ConstructIf, Nth: 1, Source: "_assertfn_check_if_1",
		}}, decls[0].Specs)
	})

	t.Run("zero_specs", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("_assertfn_check", "foo", "x"))

		_, _, err := ParseAssertFunctions(m, conv, strict)
		require.ErrorIs(t, err, ErrNoInsertionSpec)
	})

	t.Run("legacy_fn_implicit_return", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("assertfn_fn_check", "foo"))

		decls, _, err := ParseAssertFunctions(m, conv, strict)
		require.NoError(t, err)
		require.Len(t, decls, 1)
		assert.Equal(t, VariantFn, decls[0].Variant)
		assert.True(t, decls[0].ImplicitSpec)
		assert.Equal(t, []InsertionSpec{{Kind: AtReturn, Nth: EveryOrdinal}}, decls[0].Specs)
	})

	t.Run("legacy_fn_without_implicit_return", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("assertfn_fn_check", "foo"))

		_, _, err := ParseAssertFunctions(m, conv, ParseOptions{Strict: true})
		require.ErrorIs(t, err, ErrNoInsertionSpec)
	})

	t.Run("class_variant_single_spec", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("assertfn_class_check", "Foo", "bar", "_tressa_return_0", "_tressa_entry"))

		decls, diags, err := ParseAssertFunctions(m, conv, strict)
		require.NoError(t, err)
		require.Len(t, decls, 1)
		assert.Equal(t, VariantClass, decls[0].Variant)
		assert.Equal(t, "Foo::bar", decls[0].TargetName)
		assert.Equal(t, 2, decls[0].ReceiverSlots())
		require.Len(t, decls[0].Specs, 1)
		assert.Equal(t, AtReturn, decls[0].Specs[0].Kind)
		require.Len(t, diags, 1)
		assert.Equal(t, LevelWarn, diags[0].Level)
	})

	t.Run("missing_suffix_strict", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("_assertfn_check", "foo", "_tressa_if", "_tressa_return_0"))

		_, _, err := ParseAssertFunctions(m, conv, strict)
		require.ErrorIs(t, err, ErrMissingOrdinalOrCalleeSuffix)
		var aerr *AssertError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, "_assertfn_check", aerr.AssertFunction)
	})

	t.Run("missing_suffix_loose", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("_assertfn_check", "foo", "_tressa_if", "_tressa_return_0"))

		decls, diags, err := ParseAssertFunctions(m, conv, loose)
		require.NoError(t, err)
		require.Len(t, decls, 1)
		assert.Len(t, decls[0].Specs, 1)
		require.Len(t, diags, 1)
		assert.Contains(t, diags[0].Message, "_tressa_if")
	})

	t.Run("unrecognized_keyword_skipped", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("_assertfn_check", "foo", "_tressa_bogus", "_tressa_entry"))

		decls, diags, err := ParseAssertFunctions(m, conv, strict)
		require.NoError(t, err)
		require.Len(t, decls, 1)
		assert.Equal(t, []InsertionSpec{{Kind: AtEntry, Source: "_tressa_entry"}}, decls[0].Specs)
		require.Len(t, diags, 1)
		assert.Equal(t, LevelWarn, diags[0].Level)
	})

	t.Run("unnamed_target", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("_assertfn_check", "", "_tressa_entry"))

		_, _, err := ParseAssertFunctions(m, conv, strict)
		require.ErrorIs(t, err, ErrTargetFunctionNotFound)
	})

	t.Run("non_assert_functions_ignored", func(t *testing.T) {
		m := newFakeModule(newFakeFunc("main").block("entry", ret()), newFakeFunc("check_assertfn_x", "a"))

		decls, diags, err := ParseAssertFunctions(m, conv, strict)
		require.NoError(t, err)
		assert.Empty(t, decls)
		assert.Empty(t, diags)
	})
}
