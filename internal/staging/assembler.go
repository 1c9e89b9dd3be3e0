// Package staging assembles a release's deployable contents into the fixed
// staging layout the apply engine expects. A bundle is transient: it is
// rebuilt from scratch for every attempt and deleted unconditionally when
// the attempt ends.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixed bundle layout. The bundle is self-contained: bin/ carries an apply
// binary built for the appliance platform, so an old running instance can
// apply a newer bundle without needing new code pre-installed.
const (
	AppDir           = "app"
	ConfigDir        = "config"
	BinDir           = "bin"
	RequirementsFile = "requirements.txt"
	ManifestFile     = "bundle.yaml"
)

// Source-tree layout of a HarbourOS release checkout.
const (
	sourceAppDir    = "admin-ui"
	sourceConfigDir = "config"
)

// ErrIncomplete marks a bundle missing one of its required sub-paths.
// Partial bundles are a hard failure, never a partial apply.
var ErrIncomplete = errors.New("staged bundle incomplete")

// Manifest describes the release a bundle was assembled from.
type Manifest struct {
	Version     string    `yaml:"version"`
	SHA         string    `yaml:"sha"`
	AssembledAt time.Time `yaml:"assembled_at"`
}

// Bundle is a fully-materialized staged release.
type Bundle struct {
	Dir      string
	Manifest Manifest
}

// Assemble materializes a release's deployable contents from a source tree
// (a working-copy checkout or an uploaded file set) into dst. Any prior
// bundle at dst is deleted first; there is no merge with stale content.
// applyBin is the apply binary staged into bin/; it must be a build that
// runs on the appliance, never the assembling process's own executable.
func Assemble(sourceTree, dst, version, sha, applyBin string) (*Bundle, error) {
	if err := os.RemoveAll(dst); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	if err := copyTree(filepath.Join(sourceTree, sourceAppDir), filepath.Join(dst, AppDir)); err != nil {
		return nil, fmt.Errorf("stage application code: %w", err)
	}
	if err := copyTree(filepath.Join(sourceTree, sourceConfigDir), filepath.Join(dst, ConfigDir)); err != nil {
		return nil, fmt.Errorf("stage config files: %w", err)
	}
	if err := copyOne(filepath.Join(sourceTree, RequirementsFile), filepath.Join(dst, RequirementsFile)); err != nil {
		return nil, fmt.Errorf("stage dependency manifest: %w", err)
	}
	if err := stageApplyBin(applyBin, filepath.Join(dst, BinDir)); err != nil {
		return nil, fmt.Errorf("stage apply binary: %w", err)
	}

	m := Manifest{Version: version, SHA: sha, AssembledAt: time.Now().UTC()}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dst, ManifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write bundle manifest: %w", err)
	}

	return &Bundle{Dir: dst, Manifest: m}, nil
}

// Load validates an already-transferred bundle (the push path drops one at
// the staging location before invoking apply). All required sub-paths must
// be present.
func Load(dst string) (*Bundle, error) {
	required := []string{AppDir, ConfigDir, RequirementsFile, ManifestFile}
	for _, p := range required {
		if _, err := os.Stat(filepath.Join(dst, p)); err != nil {
			return nil, fmt.Errorf("%w: missing %s", ErrIncomplete, p)
		}
	}

	data, err := os.ReadFile(filepath.Join(dst, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable %s", ErrIncomplete, ManifestFile)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}
	if m.Version == "" || m.SHA == "" {
		return nil, fmt.Errorf("%w: manifest missing version or sha", ErrIncomplete)
	}

	return &Bundle{Dir: dst, Manifest: m}, nil
}

// Remove deletes the bundle. Called unconditionally at the end of every
// apply attempt.
func (b *Bundle) Remove() error {
	return os.RemoveAll(b.Dir)
}

// stageApplyBin copies the given apply binary into the bundle's bin dir.
func stageApplyBin(applyBin, binDir string) error {
	if applyBin == "" {
		return errors.New("no apply binary given")
	}
	if _, err := os.Stat(applyBin); err != nil {
		return err
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(binDir, "apply")
	if err := copyOne(applyBin, dst); err != nil {
		return err
	}
	return os.Chmod(dst, 0o755)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyOne(p, target)
	})
}

func copyOne(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
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
