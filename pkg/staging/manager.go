package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stagehand/pkg/configpatch"
	"stagehand/pkg/errdefs"
	"stagehand/pkg/launcher"
	"stagehand/pkg/metrics"
)

// NewManager creates a new staging manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[staging] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	if cfg.Linker == nil {
		cfg.Linker = NewLinker()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = launcher.NewLocalLauncher(cfg.Logger)
	}

	return &Manager{
		tempRoot: cfg.TempRoot,
		linker:   cfg.Linker,
		launcher: cfg.Launcher,
		armer:    cfg.Armer,
		metrics:  metrics.OrNoop(cfg.Metrics),
		logger:   cfg.Logger,
		envs:     make(map[string]*Environment),
	}
}

// Stage builds the staging directory described by spec.
//
// A failure leaves whatever was already staged in place for inspection;
// only Teardown deletes.
func (m *Manager) Stage(ctx context.Context, spec Spec) (env *Environment, err error) {
	start := time.Now()
	links := 0
	defer func() {
		m.metrics.StageCompleted(time.Since(start), links, err)
	}()

	source, err := filepath.Abs(spec.SourceDir)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeMissingSource, "resolve source directory").WithCause(err)
	}
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, errdefs.Newf(errdefs.CodeMissingSource, "source directory not found: %s", source).WithCause(err)
	}
	if err := validatePath(source); err != nil {
		return nil, err
	}

	if spec.SiteName == "" {
		spec.SiteName = filepath.Base(source)
	}
	if spec.AppSettingsFile == "" {
		spec.AppSettingsFile = DefaultAppSettingsFile
	}

	dir, err := m.resolveDir(spec.StagingDir)
	if err != nil {
		return nil, err
	}

	env = &Environment{
		Dir:             dir,
		SiteName:        spec.SiteName,
		MarkerPath:      filepath.Join(dir, MarkerFileName),
		AppSettingsPath: filepath.Join(dir, spec.AppSettingsFile),
		HostConfigPath:  filepath.Join(dir, HostConfigFileName),
		SourceDir:       source,
		CreatedAt:       time.Now(),
		manager:         m,
	}

	if err := writeMarker(env.MarkerPath, newMarker(source)); err != nil {
		return nil, errdefs.New(errdefs.CodeCopyFailed, "write marker file").WithCause(err)
	}

	if err := m.stageConfig(spec, source, env); err != nil {
		return nil, err
	}

	skip := excludeSet(spec.Exclude)
	skip[strings.ToLower(spec.AppSettingsFile)] = true
	skip[strings.ToLower(HostConfigFileName)] = true
	skip[strings.ToLower(MarkerFileName)] = true

	subdirs, err := copyTopLevelFiles(source, dir, skip)
	if err != nil {
		return nil, err
	}

	if err := m.linkDirectories(ctx, source, dir, subdirs); err != nil {
		return nil, err
	}
	env.Links = subdirs
	links = len(subdirs)

	if spec.PostStage != nil {
		if err := spec.PostStage(ctx, dir); err != nil {
			return nil, errdefs.New(errdefs.CodeHookFailed, "post-stage hook").
				WithContext("dir", dir).WithCause(err)
		}
	}

	m.mu.Lock()
	m.envs[dir] = env
	m.mu.Unlock()

	m.logger.Printf("staged %s from %s: site=%s, %d links", dir, source, spec.SiteName, len(subdirs))
	return env, nil
}

// resolveDir picks and creates the staging directory.
func (m *Manager) resolveDir(requested string) (string, error) {
	if requested == "" {
		dir := filepath.Join(m.tempRoot, strings.ReplaceAll(uuid.NewString(), "-", ""))
		if err := validatePath(dir); err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errdefs.New(errdefs.CodeCopyFailed, "create staging directory").WithCause(err)
		}
		return dir, nil
	}

	dir, err := filepath.Abs(requested)
	if err != nil {
		return "", errdefs.New(errdefs.CodeMissingParent, "resolve staging directory").WithCause(err)
	}
	if err := validatePath(dir); err != nil {
		return "", err
	}

	parent := filepath.Dir(dir)
	if info, err := os.Stat(parent); err != nil || !info.IsDir() {
		return "", errdefs.Newf(errdefs.CodeMissingParent, "parent of staging directory not found: %s", parent).
			WithCause(err)
	}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.Mkdir(dir, 0755); err != nil {
			return "", errdefs.New(errdefs.CodeCopyFailed, "create staging directory").WithCause(err)
		}
	case err != nil:
		return "", errdefs.Newf(errdefs.CodeDirectoryNotEmpty, "staging path is not a usable directory: %s", dir).
			WithCause(err)
	case len(entries) > 0:
		return "", errdefs.Newf(errdefs.CodeDirectoryNotEmpty, "staging directory is not empty: %s", dir).
			WithContext("entries", len(entries))
	}
	return dir, nil
}

// stageConfig patches both configuration documents into the staging directory.
func (m *Manager) stageConfig(spec Spec, source string, env *Environment) error {
	appSettingsSource := filepath.Join(source, spec.AppSettingsFile)
	if _, err := os.Stat(appSettingsSource); err != nil {
		return errdefs.Newf(errdefs.CodeMissingConfig, "%s not found", spec.AppSettingsFile).
			WithContext("path", appSettingsSource).WithCause(err)
	}
	appSettings := spec.AppSettingsContents
	if appSettings == nil {
		data, err := os.ReadFile(appSettingsSource)
		if err != nil {
			return errdefs.Newf(errdefs.CodeMissingConfig, "read %s", appSettingsSource).WithCause(err)
		}
		appSettings = data
	}

	hostConfig := spec.HostConfigContents
	if hostConfig == nil {
		path := spec.HostConfigPath
		if path == "" {
			found, err := FindHostConfig(source)
			if err != nil {
				return err
			}
			path = found
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errdefs.Newf(errdefs.CodeMissingConfig, "%s not found", HostConfigFileName).
				WithContext("path", path).WithCause(err)
		}
		hostConfig = data
	}

	patched, err := configpatch.AppSettings(appSettings, spec.AppSettings)
	if err != nil {
		return err
	}
	if err := os.WriteFile(env.AppSettingsPath, patched, 0644); err != nil {
		return errdefs.New(errdefs.CodeCopyFailed, "write app settings").WithCause(err)
	}

	patched, err = configpatch.HostBindings(hostConfig, spec.SiteName, spec.Endpoints, env.Dir)
	if err != nil {
		return err
	}
	if err := os.WriteFile(env.HostConfigPath, patched, 0644); err != nil {
		return errdefs.New(errdefs.CodeCopyFailed, "write host config").WithCause(err)
	}
	return nil
}

// copyTopLevelFiles copies regular files from src to dst and returns the
// names of subdirectories to link. Names in skip are ignored.
func copyTopLevelFiles(src, dst string, skip map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeMissingSource, "read source directory").WithCause(err)
	}

	var subdirs []string
	for _, entry := range entries {
		name := entry.Name()
		if skip[strings.ToLower(name)] {
			continue
		}

		// Follow links so a linked subdirectory is linked again, not copied.
		info, err := os.Stat(filepath.Join(src, name))
		if err != nil {
			continue
		}

		switch {
		case info.IsDir():
			subdirs = append(subdirs, name)
		case info.Mode().IsRegular():
			if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name), info.Mode().Perm()); err != nil {
				return nil, errdefs.Newf(errdefs.CodeCopyFailed, "copy %s", name).WithCause(err)
			}
		}
	}

	sort.Strings(subdirs)
	return subdirs, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// linkDirectories links every subdirectory concurrently and waits for all.
func (m *Manager) linkDirectories(ctx context.Context, src, dst string, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			target := filepath.Join(src, name)
			link := filepath.Join(dst, name)
			if err := m.linker.Link(gctx, target, link); err != nil {
				return errdefs.Newf(errdefs.CodeLinkFailed, "link %s", name).
					WithContext("target", target).WithCause(err)
			}
			return nil
		})
	}
	return g.Wait()
}

// validatePath rejects paths that cannot be passed safely to an external
// link command.
func validatePath(path string) error {
	if strings.ContainsRune(path, '"') {
		return errdefs.Newf(errdefs.CodeUnsafePath, "path contains a quote character: %s", path)
	}
	if strings.ContainsRune(path, 0) {
		return errdefs.New(errdefs.CodeUnsafePath, "path contains a null byte")
	}
	return nil
}

func excludeSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names)+3)
	for _, name := range names {
		set[strings.ToLower(name)] = true
	}
	return set
}

// List returns the environments staged by this manager that have not been
// torn down.
func (m *Manager) List() []*Environment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	envs := make([]*Environment, 0, len(m.envs))
	for _, env := range m.envs {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.Before(envs[j].CreatedAt) })
	return envs
}

// Get returns the environment staged at dir.
func (m *Manager) Get(dir string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env, ok := m.envs[dir]
	if !ok {
		return nil, fmt.Errorf("environment not found: %s", dir)
	}
	return env, nil
}
