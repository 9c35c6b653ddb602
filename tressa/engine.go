package tressa

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"
)

// Config holds settings for an InstrumentEngine.
type Config struct {
	// InputFiles are textual IR (.ll) or C/C++ sources, each instrumented as its own module.
	InputFiles []string
	// AssertFiles hold assert function definitions and are linked into every input.
	AssertFiles                                []string
	OutputDir                                  string
	ConventionFile                             string
	ReportJsonFile, ReportChartsFile, DiffFile string
	CacheDir                                   string
	CacheMB                                    int
	ClangPath, LLVMLinkPath                    string
	Strict, LegacyImplicitReturn               bool
	NoCache, Verbose                           bool
	// Conventions are loaded from ConventionFile by Prepare, or defaulted when unset.
	Conventions Conventions
	// Internal state tracking
	prepared bool
}

// ModuleLoader produces the textual IR of one input.
type ModuleLoader interface {
	// LoadIR returns the textual IR to instrument for input. Sources are compiled and assert files linked in as needed.
	LoadIR(ctx context.Context, config Config, input string) ([]byte, error)

	// Cleanup is invoked after the engine run, allowing removal of intermediate files.
	Cleanup()
}

// InstrumentResult is the outcome of instrumenting one module.
type InstrumentResult struct {
	Output string
	Diff   string
	// Report is never nil, also when an error is returned.
	Report *ModuleReport
}

// Instrumenter runs the instrumentation pass over textual IR.
type Instrumenter interface {
	// Instrument parses src and applies the pass. On error no output is produced.
	Instrument(pass *Pass, name string, src []byte) (*InstrumentResult, error)
}

// StorageProvider supplies the backend of the result cache.
type StorageProvider interface {
	NewStorage() (Storage, error)
}

// ReportWriter writes the run outputs once every module was processed.
type ReportWriter interface {
	// WriteReportFiles writes the JSON report, chart image, and the combined diff for the paths set in config.
	WriteReportFiles(config Config, report ReportMetrics, diffs []string) error
}

// DefaultModuleLoader reads textual IR directly and uses clang and llvm-link for everything else.
type DefaultModuleLoader struct {
	mu      sync.Mutex
	workDir string
}

func (d *DefaultModuleLoader) LoadIR(ctx context.Context, config Config, input string) ([]byte, error) {
	if !IsCompilableSource(input) && len(config.AssertFiles) == 0 {
		return os.ReadFile(input)
	}
	workDir, err := d.ensureWorkDir()
	if err != nil {
		return nil, err
	}

	tc := Toolchain{ClangPath: config.ClangPath, LLVMLinkPath: config.LLVMLinkPath}
	if config.Verbose {
		tc.Echo = os.Stderr
	}
	irFiles := make([]string, 0, 1+len(config.AssertFiles))
	for _, src := range append([]string{input}, config.AssertFiles...) {
		if !IsCompilableSource(src) {
			irFiles = append(irFiles, src)
			continue
		}
		out := filepath.Join(workDir, uuid.NewString()+".ll")
		if err := tc.CompileToIR(ctx, src, out); err != nil {
			return nil, err
		}
		irFiles = append(irFiles, out)
	}
	if len(irFiles) == 1 {
		return os.ReadFile(irFiles[0])
	}
	linked := filepath.Join(workDir, uuid.NewString()+".linked.ll")
	if err := tc.LinkIR(ctx, linked, irFiles...); err != nil {
		return nil, err
	}
	return os.ReadFile(linked)
}

func (d *DefaultModuleLoader) ensureWorkDir() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.workDir == "" {
		dir, err := os.MkdirTemp("", "tressa-")
		if err != nil {
			return "", fmt.Errorf("create work dir failed: %w", err)
		}
		d.workDir = dir
	}
	return d.workDir, nil
}

func (d *DefaultModuleLoader) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.workDir != "" {
		if err := os.RemoveAll(d.workDir); err != nil {
			log.Printf("%sfailed to remove work dir %s: %v", ErrorLogPrefix, d.workDir, err)
		}
		d.workDir = ""
	}
}

// DefaultInstrumenter parses IR with llir and runs the pass in memory.
type DefaultInstrumenter struct{}

func (d *DefaultInstrumenter) Instrument(pass *Pass, name string, src []byte) (*InstrumentResult, error) {
	result := &InstrumentResult{Report: &ModuleReport{Module: name}}
	m, err := ParseLLVM(name, src)
	if err != nil {
		result.Report.fail(err)
		return result, err
	}
	original := m.Render()
	if result.Report, err = pass.Run(m); err != nil {
		return result, err
	}
	result.Output = m.Render()
	if result.Diff, err = DiffIR(name, original, result.Output); err != nil {
		return result, err
	}
	return result, nil
}

// DefaultStorageProvider provides the standard implementation of StorageProvider using BadgerDB.
// An empty Path creates a temporary store removed on close.
type DefaultStorageProvider struct {
	Path    string
	CacheMB int
	store   Storage
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.store == nil {
		path, temporary := d.Path, false
		if path == "" {
			temporary = true
			path = filepath.Join(os.TempDir(),
				fmt.Sprintf("tressa_cache-%d-%s",
					os.Getpid(), strconv.FormatInt(time.Now().UnixNano(), 16)))
		}
		store, err := NewBadgerStorage(path, d.CacheMB, temporary)
		if err != nil {
			return nil, err
		}
		d.store = store
	}
	return d.store, nil
}

// SingletonStorageProvider is a StorageProvider that returns a single consistent storage instance.
type SingletonStorageProvider struct {
	Store Storage
}

func (s *SingletonStorageProvider) NewStorage() (Storage, error) {
	return s.Store, nil
}

// DefaultReportWriter provides the standard implementation of ReportWriter.
type DefaultReportWriter struct{}

func (d *DefaultReportWriter) WriteReportFiles(config Config, report ReportMetrics, diffs []string) error {
	reportMap, err := BuildReportMap(report)
	if err != nil {
		return err
	}
	var errs []error
	errs = append(errs, reportMap.WriteToFile(config.ReportJsonFile))
	errs = append(errs, writeReportCharts(config.ReportChartsFile, report))
	if config.DiffFile != "" {
		combined := strings.Join(bulk.SliceFilter(func(d string) bool { return d != "" }, diffs), "")
		if err := writeFileAtomic(config.DiffFile, []byte(combined)); err != nil {
			errs = append(errs, fmt.Errorf("write diff file failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// InstrumentEngine instruments a set of IR modules and reports on the outcome.
type InstrumentEngine struct {
	Config          *Config
	ModuleLoader    ModuleLoader
	Instrumenter    Instrumenter
	StorageProvider StorageProvider
	ReportWriter    ReportWriter
}

// NewInstrumentEngine creates an InstrumentEngine with default providers.
func NewInstrumentEngine(config *Config) *InstrumentEngine {
	return &InstrumentEngine{
		Config:       config,
		ModuleLoader: &DefaultModuleLoader{},
		Instrumenter: &DefaultInstrumenter{},
		StorageProvider: &DefaultStorageProvider{
			Path:    config.CacheDir,
			CacheMB: config.CacheMB,
		},
		ReportWriter: &DefaultReportWriter{},
	}
}

// NewInstrumentEngineWithProviders creates an InstrumentEngine using the supplied providers, nil values keep the
// defaults.
func NewInstrumentEngineWithProviders(config *Config, moduleLoader ModuleLoader, instrumenter Instrumenter,
	storageProvider StorageProvider, reportWriter ReportWriter) *InstrumentEngine {
	engine := NewInstrumentEngine(config)
	if moduleLoader != nil {
		engine.ModuleLoader = moduleLoader
	}
	if instrumenter != nil {
		engine.Instrumenter = instrumenter
	}
	if storageProvider != nil {
		engine.StorageProvider = storageProvider
	}
	if reportWriter != nil {
		engine.ReportWriter = reportWriter
	}
	return engine
}

// NewPass creates the pass described by the config.
func (c *Config) NewPass() *Pass {
	return &Pass{
		Conventions:    c.Conventions.Clone(),
		Strict:         c.Strict,
		ImplicitReturn: c.LegacyImplicitReturn,
	}
}

// Run instruments every input. Modules are processed concurrently and independently: a failing module produces no
// output but does not stop the others. The returned error joins all module failures.
func (e *InstrumentEngine) Run(ctx context.Context) error {
	startTime := time.Now()
	if !e.Config.prepared {
		if err := e.Config.Prepare(); err != nil {
			return err
		}
	}
	defer e.ModuleLoader.Cleanup()

	pass := e.Config.NewPass()
	var cache *ResultCache
	var fingerprint []byte
	if !e.Config.NoCache {
		store, err := e.StorageProvider.NewStorage()
		if err != nil {
			return fmt.Errorf("open result cache failed: %w", err)
		}
		if cache, err = NewResultCache(store, max(e.Config.CacheMB/4, 1)); err != nil {
			store.Close()
			return err
		}
		defer cache.Close()
		if fingerprint, err = PassFingerprint(pass); err != nil {
			return fmt.Errorf("fingerprint pass failed: %w", err)
		}
	}

	inputs := e.Config.InputFiles
	modules := make([]ModuleMetrics, len(inputs))
	diffs := make([]string, len(inputs))
	moduleErrs := make([]error, len(inputs))
	errGroup := ErrGroupLimitCPU()
	for i, input := range inputs {
		errGroup.Go(func() error {
			modules[i], diffs[i], moduleErrs[i] = e.processModule(ctx, pass, cache, fingerprint, input)
			return nil // modules fail independently
		})
	}
	_ = errGroup.Wait()

	report := NewReportMetrics(startTime, e.Config.Strict, modules)
	reportErr := e.ReportWriter.WriteReportFiles(*e.Config, report, diffs)
	t := report.Totals
	log.Printf("Instrumented %d/%d modules (%d cached): %d insertions, %d skipped, %d warnings",
		t.ModuleCount-t.FailedModuleCount, t.ModuleCount, t.CachedModuleCount,
		t.InsertionCount, t.SkippedCount, t.WarningCount)
	return errors.Join(errors.Join(moduleErrs...), reportErr)
}

func (e *InstrumentEngine) processModule(ctx context.Context, pass *Pass, cache *ResultCache, fingerprint []byte,
	input string) (ModuleMetrics, string, error) {
	metrics := ModuleMetrics{ModuleReport: ModuleReport{Module: input}}
	failed := func(err error) (ModuleMetrics, string, error) {
		err = fmt.Errorf("%s: %w", input, err)
		metrics.Error = err.Error()
		return metrics, "", err
	}
	if err := ctx.Err(); err != nil {
		return failed(err)
	}

	src, err := e.ModuleLoader.LoadIR(ctx, *e.Config, input)
	if err != nil {
		return failed(err)
	}

	var result *InstrumentResult
	var cacheKey string
	if cache != nil {
		cacheKey = cache.Key(src, fingerprint)
		lock := cache.Lock(cacheKey)
		defer lock.Unlock()
		if cached, ok, err := cache.Lookup(cacheKey); err != nil {
			log.Printf("WARN: ignoring cached result for %s: %v", input, err)
		} else if ok {
			cached.Report.Module = input
			result = &InstrumentResult{Output: string(cached.Output), Diff: string(cached.Diff), Report: cached.Report}
		}
	}
	if result == nil {
		result, err = e.Instrumenter.Instrument(pass, input, src)
		if result != nil && result.Report != nil {
			metrics.ModuleReport = *result.Report
		}
		if err != nil {
			return failed(err)
		}
		if cache != nil {
			if err := cache.Store(cacheKey, &CachedResult{
				Output: []byte(result.Output),
				Diff:   []byte(result.Diff),
				Report: result.Report,
			}); err != nil {
				log.Printf("WARN: failed to cache result for %s: %v", input, err)
			}
		}
	}
	metrics.ModuleReport = *result.Report

	metrics.Output = InstrumentedOutputPath(input, e.Config.OutputDir)
	if err := writeFileAtomic(metrics.Output, []byte(result.Output)); err != nil {
		metrics.Output = ""
		return failed(err)
	}
	return metrics, result.Diff, nil
}

// Prepare performs validation and preparation of the configuration, it may only be called once.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	} else if len(c.InputFiles) == 0 {
		return errors.New("at least one input file is required")
	}

	for _, input := range c.InputFiles {
		if err := validateFilePath(input); err != nil {
			return fmt.Errorf("invalid input %s: %w", input, err)
		} else if !IsCompilableSource(input) && filepath.Ext(input) != ".ll" {
			return fmt.Errorf("input %s must be textual IR (.ll) or a C/C++ source", input)
		}
	}
	for _, af := range c.AssertFiles {
		if err := validateFilePath(af); err != nil {
			return fmt.Errorf("invalid assert file %s: %w", af, err)
		}
	}
	outputs := make([]string, len(c.InputFiles))
	for i, input := range c.InputFiles {
		outputs[i] = InstrumentedOutputPath(input, c.OutputDir)
	}
	for out, count := range bulk.SliceToCounts(outputs) {
		if count > 1 {
			return fmt.Errorf("%d inputs would write the same output %s", count, out)
		}
	}

	if c.ConventionFile != "" {
		conv, err := LoadConventions(c.ConventionFile)
		if err != nil {
			return fmt.Errorf("invalid conventions file: %w", err)
		}
		c.Conventions = conv
	} else if c.Conventions.AssertPrefix == "" {
		c.Conventions = DefaultConventions()
	} else if err := c.Conventions.Validate(); err != nil {
		return fmt.Errorf("invalid conventions: %w", err)
	}

	if c.CacheMB < 1 || c.CacheMB > 10240 { // 10GB limit
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}
	if c.OutputDir != "" {
		if err := validateOutputPath(filepath.Join(c.OutputDir, "out.ll")); err != nil {
			return fmt.Errorf("invalid output directory: %w", err)
		}
		if c.CacheDir != "" {
			if within, err := fileWithinDir(c.CacheDir, c.OutputDir); err != nil {
				return err
			} else if within {
				return errors.New("cache directory must not be inside the output directory")
			}
		}
	}

	for _, out := range []struct{ name, path string }{
		{"JSON report", c.ReportJsonFile},
		{"charts report", c.ReportChartsFile},
		{"diff", c.DiffFile},
	} {
		if out.path == "" {
			continue
		} else if err := validateOutputPath(out.path); err != nil {
			return fmt.Errorf("invalid %s file path: %w", out.name, err)
		}
	}
	if c.ReportChartsFile != "" {
		if _, err := chartOutputType(c.ReportChartsFile); err != nil {
			return err
		}
	}
	if slices.Contains(c.InputFiles, c.DiffFile) || slices.Contains(c.InputFiles, c.ReportJsonFile) {
		return errors.New("report outputs must not overwrite an input")
	}

	c.prepared = true
	return nil
}

// validateFilePath validates that a file path exists and is readable
func validateFilePath(path string) error {
	if !FileExists(path) {
		return errors.New("file does not exist")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file is not accessible: %w", err)
	} else if info.IsDir() {
		return errors.New("path is a directory, expected a file")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	return file.Close()
}

// validateOutputPath validates that an output file path can be written to
func validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	testFile, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = testFile.Close()
	return os.Remove(testFile.Name())
}
