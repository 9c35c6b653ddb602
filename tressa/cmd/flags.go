package cmd

import (
	"errors"
	"flag"
	"strings"

	"github.com/PatchLens/go-tressa/tressa"
)

const usage = "Usage: tressa [flags] <module.ll|source.c> [...]\n" +
	"Assert functions may live in the inputs or in files given with -assert a.c,b.ll"

// ParseFlags builds Config from the command line flags, positional arguments are the input modules.
func ParseFlags() (*tressa.Config, error) {
	config := &tressa.Config{}

	assertFiles := flag.String("assert", "", "Comma separated files with assert functions to link into every input")
	outputDir := flag.String("out", "", "Directory for instrumented modules, defaults to next to each input")
	strict := flag.Bool("strict", true, "Abort on unresolved variables, invalid suffixes, and argument count or type mismatches")
	legacyReturn := flag.Bool("legacyreturn", true, "Insert markerless assertfn_fn_/assertfn_class_ functions before every return")
	conventionFile := flag.String("conventions", "", "YAML file overriding the naming conventions")
	reportJsonFile := flag.String("json", "", "File to output instrumentation details")
	reportChartsFile := flag.String("charts", "", "File to output instrumentation overview chart image")
	diffFile := flag.String("diff", "", "File to output a unified diff of every instrumented module")
	cacheDir := flag.String("cachedir", "", "Directory of the persistent result cache, temporary when empty")
	cacheMB := flag.Int("cachemb", 64, "Cache memory budget in MB")
	noCache := flag.Bool("nocache", false, "Disable the result cache")
	clangPath := flag.String("clang", "clang", "clang binary used to compile C/C++ inputs")
	llvmLinkPath := flag.String("llvmlink", "llvm-link", "llvm-link binary used to link assert files")
	verbose := flag.Bool("v", false, "Echo compiler and linker output")

	flag.Parse()

	if flag.NArg() == 0 {
		return nil, errors.New(usage)
	}

	config.InputFiles = flag.Args()
	if *assertFiles != "" {
		for _, f := range strings.Split(*assertFiles, ",") {
			if f = strings.TrimSpace(f); f != "" {
				config.AssertFiles = append(config.AssertFiles, f)
			}
		}
	}
	config.OutputDir = *outputDir
	config.Strict = *strict
	config.LegacyImplicitReturn = *legacyReturn
	config.ConventionFile = *conventionFile
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.DiffFile = *diffFile
	config.CacheDir = *cacheDir
	config.CacheMB = *cacheMB
	config.NoCache = *noCache
	config.ClangPath = *clangPath
	config.LLVMLinkPath = *llvmLinkPath
	config.Verbose = *verbose

	return config, nil
}
