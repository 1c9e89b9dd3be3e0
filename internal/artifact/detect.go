package artifact

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Detect compares the staged content of one artifact against its live
// content. Comparison is byte-exact; a missing live file or tree counts as
// changed. Missing staged content is the caller's bug, bundles are
// validated for completeness before any artifact is inspected.
func Detect(bundleDir string, a Artifact) (Action, error) {
	staged := filepath.Join(bundleDir, a.StagedPath)

	if a.Tree {
		same, err := treesEqual(staged, a.LivePath)
		if err != nil {
			return ActionNoop, fmt.Errorf("compare %s: %w", a.Name, err)
		}
		if same {
			return ActionNoop, nil
		}
		return ActionInstall, nil
	}

	stagedData, err := os.ReadFile(staged)
	if err != nil {
		return ActionNoop, fmt.Errorf("read staged %s: %w", a.Name, err)
	}
	liveData, err := os.ReadFile(a.LivePath)
	if os.IsNotExist(err) {
		return ActionInstall, nil
	}
	if err != nil {
		return ActionNoop, fmt.Errorf("read live %s: %w", a.Name, err)
	}

	if bytes.Equal(stagedData, liveData) {
		return ActionNoop, nil
	}
	return ActionInstall, nil
}

// Install materializes the staged content of one artifact at its live path.
func Install(bundleDir string, a Artifact) error {
	staged := filepath.Join(bundleDir, a.StagedPath)

	if a.Tree {
		if err := syncTree(staged, a.LivePath); err != nil {
			return fmt.Errorf("install %s: %w", a.Name, err)
		}
		return nil
	}

	data, err := os.ReadFile(staged)
	if err != nil {
		return fmt.Errorf("read staged %s: %w", a.Name, err)
	}
	if err := os.MkdirAll(filepath.Dir(a.LivePath), 0o755); err != nil {
		return fmt.Errorf("install %s: %w", a.Name, err)
	}
	mode := a.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(a.LivePath, data, mode); err != nil {
		return fmt.Errorf("install %s: %w", a.Name, err)
	}
	return nil
}

// treesEqual reports whether both trees hold exactly the same set of regular
// files with identical content. A missing live tree is unequal.
func treesEqual(staged, live string) (bool, error) {
	if _, err := os.Stat(live); os.IsNotExist(err) {
		return false, nil
	}

	stagedFiles, err := walkFiles(staged)
	if err != nil {
		return false, err
	}
	liveFiles, err := walkFiles(live)
	if err != nil {
		return false, err
	}

	if len(stagedFiles) != len(liveFiles) {
		return false, nil
	}
	for rel, data := range stagedFiles {
		liveData, ok := liveFiles[rel]
		if !ok || !bytes.Equal(data, liveData) {
			return false, nil
		}
	}
	return true, nil
}

// syncTree makes live an exact copy of staged: copies every staged file over
// and deletes live files with no staged counterpart.
func syncTree(staged, live string) error {
	stagedFiles, err := walkFiles(staged)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(live, 0o755); err != nil {
		return err
	}

	for rel := range stagedFiles {
		dst := filepath.Join(live, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(staged, rel), dst); err != nil {
			return err
		}
	}

	liveFiles, err := walkFiles(live)
	if err != nil {
		return err
	}
	var extraneous []string
	for rel := range liveFiles {
		if _, ok := stagedFiles[rel]; !ok {
			extraneous = append(extraneous, filepath.Join(live, rel))
		}
	}
	sort.Strings(extraneous)
	for _, p := range extraneous {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return pruneEmptyDirs(live)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// pruneEmptyDirs removes directories left empty after extraneous files were
// deleted. The root itself is kept.
func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			if err := os.Remove(d); err != nil {
				return err
			}
		}
	}
	return nil
}
