package tressa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

const maxCapturedToolOutput = 64 * 1024

const (
	// firstOpaquePointerMajor is the first LLVM release defaulting to opaque pointers.
	firstOpaquePointerMajor = 15
	// lastTypedPointerMajor is the last LLVM release able to emit typed pointers.
	lastTypedPointerMajor = 16
)

var toolVersionPattern = regexp.MustCompile(`version (\d+)\.`)

// irSourceExts are the inputs handed to clang, everything else must already be textual IR.
var irSourceExts = []string{".c", ".cc", ".cpp", ".cxx"}

// IsCompilableSource reports whether path is a C or C++ source that must be compiled to IR first.
func IsCompilableSource(path string) bool {
	return slices.Contains(irSourceExts, strings.ToLower(filepath.Ext(path)))
}

// NewToolExec creates a command that runs in dir with env applied over a sanitized process environment.
func NewToolExec(ctx context.Context, dir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = dir
	cmd.Env = mergeSafeEnv(env)
	return cmd
}

func mergeSafeEnv(env []string) []string {
	envKeys := make([]string, len(env)) // os values we want to override
	for i, kv := range env {
		envKeys[i], _, _ = strings.Cut(kv, "=")
	}
	safeEnv := bulk.SliceFilterInPlace(func(envVar string) bool {
		if envVar == "" || envVar == "=" || strings.HasPrefix(envVar, "LD_") {
			return false // skip unsafe
		} else if key, _, _ := strings.Cut(envVar, "="); slices.Contains(envKeys, key) {
			return false // overridden by custom value
		}
		return true
	}, os.Environ())
	return append(safeEnv, env...)
}

// runCapturedTool runs the command, optionally echoing to echo, and returns the tail of its combined output.
func runCapturedTool(cmd *exec.Cmd, echo io.Writer) ([]byte, error) {
	var tail bytes.Buffer
	lb := &lockedBuffer{}
	var out io.Writer = lb
	if echo != nil {
		out = &teeWriter{one: echo, two: lb}
	}
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	_, _ = newLimitedRollingBufferWriter(&tail, maxCapturedToolOutput).Write(lb.Bytes())
	return tail.Bytes(), err
}

// Toolchain locates the external LLVM tools used to turn sources into textual IR.
type Toolchain struct {
	ClangPath    string
	LLVMLinkPath string
	// Echo receives tool output as it is produced, may be nil.
	Echo io.Writer
}

func (tc Toolchain) clang() string {
	if tc.ClangPath == "" {
		return "clang"
	}
	return tc.ClangPath
}

func (tc Toolchain) llvmLink() string {
	if tc.LLVMLinkPath == "" {
		return "llvm-link"
	}
	return tc.LLVMLinkPath
}

// toolMajorVersion runs the tool with --version and returns its LLVM major version, 0 when it can't be determined.
func toolMajorVersion(ctx context.Context, tool string) int {
	output, err := runCapturedTool(NewToolExec(ctx, "", nil, tool, "--version"), nil)
	if err != nil {
		return 0
	}
	match := toolVersionPattern.FindSubmatch(output)
	if match == nil {
		return 0
	}
	major, err := strconv.Atoi(string(match[1]))
	if err != nil {
		return 0
	}
	return major
}

// typedPointerArgs returns the extra arguments that keep a tool of the given major version on typed pointers.
func typedPointerArgs(tool string, major int, typed ...string) ([]string, error) {
	if major > lastTypedPointerMajor {
		return nil, fmt.Errorf("%w: %s is LLVM %d", ErrOpaquePointerIR, tool, major)
	} else if major >= firstOpaquePointerMajor {
		return typed, nil
	}
	return nil, nil
}

// CompileToIR compiles a C or C++ source into unoptimized textual IR at outPath. Value names are kept so locals and
// shadow parameter slots can be resolved by name. Supported clang releases are those that can emit typed pointers,
// up to 16.
func (tc Toolchain) CompileToIR(ctx context.Context, src, outPath string) error {
	if _, err := exec.LookPath(tc.clang()); err != nil {
		return fmt.Errorf("compile %s failed: %w", src, err)
	}
	major := toolMajorVersion(ctx, tc.clang())
	pointerArgs, err := typedPointerArgs(tc.clang(), major, "-Xclang", "-no-opaque-pointers")
	if err != nil {
		return err
	}
	args := append(pointerArgs, "-S", "-emit-llvm", "-O0", "-Xclang", "-disable-O0-optnone",
		"-fno-discard-value-names", "-o", outPath, src)
	cmd := NewToolExec(ctx, filepath.Dir(src), nil, tc.clang(), args...)
	if output, err := runCapturedTool(cmd, tc.Echo); err != nil {
		return fmt.Errorf("compile %s failed: %w\n%s", src, err, limitStringLines(string(output), 20, false))
	}
	return nil
}

// LinkIR links the IR files into one textual IR module at outPath.
func (tc Toolchain) LinkIR(ctx context.Context, outPath string, inputs ...string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no IR files to link into %s", outPath)
	}
	if _, err := exec.LookPath(tc.llvmLink()); err != nil {
		return fmt.Errorf("link %s failed: %w", strings.Join(inputs, ", "), err)
	}
	pointerArgs, err := typedPointerArgs(tc.llvmLink(), toolMajorVersion(ctx, tc.llvmLink()), "-opaque-pointers=0")
	if err != nil {
		return err
	}
	args := append(append(pointerArgs, "-S", "-o", outPath), inputs...)
	cmd := NewToolExec(ctx, filepath.Dir(outPath), nil, tc.llvmLink(), args...)
	if output, err := runCapturedTool(cmd, tc.Echo); err != nil {
		return fmt.Errorf("link %s failed: %w\n%s", strings.Join(inputs, ", "), err,
			limitStringLines(string(output), 20, false))
	}
	return nil
}

// Available reports whether the clang binary can be found.
func (tc Toolchain) Available() bool {
	_, err := exec.LookPath(tc.clang())
	return err == nil
}
