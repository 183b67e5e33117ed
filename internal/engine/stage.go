package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/internal/wal"
)

// Stageable reports whether a file in a data directory holds object data
// that may be copied into another database. Catalog, log, lock and
// temporary files belong to their own database.
func Stageable(name string) bool {
	switch name {
	case LockFileName, catalog.FileName, catalog.FileName + "-wal", catalog.FileName + "-shm",
		catalog.FileName + "-journal", wal.FileName:
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".lock") {
		return false
	}
	for _, marker := range []string{"Tmplog", "Preplog"} {
		if strings.Contains(name, marker) {
			return false
		}
	}
	return true
}

// StageFiles copies data files from srcDir into dstDir ahead of an import.
// With no names, every stageable regular file in srcDir is copied. A file
// already present in dstDir is not overwritten. Each copy is synced and
// renamed into place, so a partial copy is never visible under its final
// name. StageFiles returns the names copied.
func StageFiles(srcDir, dstDir string, names ...string) ([]string, error) {
	if len(names) == 0 {
		entries, err := os.ReadDir(srcDir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() && Stageable(e.Name()) {
				names = append(names, e.Name())
			}
		}
	}
	var copied []string
	for _, name := range names {
		if !Stageable(name) {
			return copied, fmt.Errorf("staging %s: not a data file", name)
		}
		if err := copyFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			return copied, fmt.Errorf("staging %s: %w", name, err)
		}
		copied = append(copied, name)
	}
	logging.WithComponent("stage").Debug("staged files", "from", srcDir, "to", dstDir, "files", len(copied))
	return copied, nil
}

func copyFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s exists", dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copying: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
