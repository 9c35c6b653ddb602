package tressa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

// fileWithinDir returns true if filePath is within dirPath.
func fileWithinDir(filePath, dirPath string) (bool, error) {
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return false, err
	}
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(filepath.Clean(absDir), filepath.Clean(absFile))
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(filepath.ToSlash(rel), "../"), nil
}

func replaceFile(source, destination string) error {
	if FileExists(destination) {
		if err := os.Remove(destination); err != nil {
			return err
		}
	}
	return os.Rename(source, destination) // requires same filesystem
}

// writeFileAtomic writes data to a temp file beside path and then moves it into place, so readers never observe a
// partially written module.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0644)
	}
	if err == nil {
		err = replaceFile(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s failed: %w", path, err)
	}
	return nil
}

// InstrumentedOutputPath returns where the instrumented module for input is written. With an empty outDir the output
// is placed next to the input.
func InstrumentedOutputPath(input, outDir string) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + ".tressa.ll"
	if outDir == "" {
		return filepath.Join(filepath.Dir(input), base)
	}
	return filepath.Join(outDir, base)
}
