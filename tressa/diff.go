package tressa

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

const irDiffContext = 2

// DiffIR returns a unified diff between the original and the instrumented module text. An empty string means the
// pass inserted nothing.
func DiffIR(name, original, instrumented string) (string, error) {
	if original == instrumented {
		return "", nil
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(instrumented),
		FromFile: name,
		ToFile:   InstrumentedOutputPath(name, ""),
		Context:  irDiffContext,
	})
	if err != nil {
		return "", fmt.Errorf("diff %s failed: %w", name, err)
	}
	return diff, nil
}
