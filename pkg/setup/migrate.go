package setup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cuemby/startd/pkg/config"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/ioutil"
	"github.com/cuemby/startd/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Progress is shared with whoever polls a long-running migrate: bytes
// total and bytes copied so far, both safe to read concurrently.
type Progress struct {
	Total  atomic.Uint64
	Copied atomic.Uint64
}

// migrateManifest records which top-level entries have been fully copied,
// so an interrupted migrate resumes instead of restarting. The original
// copied blind; the manifest is this implementation's addition.
type migrateManifest struct {
	Done []string `json:"done"`
}

const migrateManifestName = ".migrate.json"

// Migrate imports an older data volume: main/ (the database and host
// state) and package-data/ are copied into the new volume. Progress is
// advanced as bytes land; completed top-level entries are checkpointed.
func Migrate(cfg config.Config, oldRoot string, progress *Progress) error {
	logger := log.WithComponent("setup")

	sources := map[string]string{
		"main":         cfg.DataDir,
		"package-data": cfg.PackageDataDir,
	}

	var total uint64
	for name := range sources {
		size, err := ioutil.DirSize(filepath.Join(oldRoot, name))
		if err == nil {
			total += size
		}
	}
	progress.Total.Store(total)

	manifestPath := filepath.Join(filepath.Dir(cfg.DataDir), migrateManifestName)
	manifest := loadMigrateManifest(manifestPath)
	done := make(map[string]bool, len(manifest.Done))
	for _, name := range manifest.Done {
		done[name] = true
	}

	var g errgroup.Group
	var mu = make(chan struct{}, 1) // serializes manifest checkpoints
	mu <- struct{}{}
	for name, dst := range sources {
		if done[name] {
			// already copied on a prior attempt; count it as finished
			if size, err := ioutil.DirSize(dst); err == nil {
				progress.Copied.Add(size)
			}
			continue
		}
		src := filepath.Join(oldRoot, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		name, dst := name, dst
		g.Go(func() error {
			if err := ioutil.CopyDir(src, dst, &progress.Copied); err != nil {
				return err
			}
			<-mu
			manifest.Done = append(manifest.Done, name)
			err := saveMigrateManifest(manifestPath, manifest)
			mu <- struct{}{}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	os.Remove(manifestPath)
	logger.Info().Uint64("bytes", progress.Copied.Load()).Msg("Migration complete")
	return nil
}

func loadMigrateManifest(path string) *migrateManifest {
	manifest := &migrateManifest{}
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest
	}
	json.Unmarshal(data, manifest)
	return manifest
}

func saveMigrateManifest(path string, manifest *migrateManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	return errdefs.Wrap(errdefs.KindFilesystem, os.WriteFile(path, data, 0600))
}
