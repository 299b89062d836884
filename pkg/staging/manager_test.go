package staging

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/pkg/configpatch"
	"stagehand/pkg/errdefs"
	"stagehand/pkg/launcher"
	"stagehand/pkg/protocol"
	"stagehand/pkg/watcher"
)

const roleEnv = "STAGEHAND_STAGING_TEST_ROLE"

// TestMain lets the test binary act as the cleanup dispatcher and as a
// short-lived server.
func TestMain(m *testing.M) {
	switch os.Getenv(roleEnv) {
	case "dispatcher":
		mgr := NewManager(Config{Logger: log.New(io.Discard, "", 0)})
		d := watcher.NewDispatcher(watcher.DispatcherConfig{})
		d.Handle(protocol.KindCleanupStaging, mgr.HandleCleanup)
		os.Exit(d.Main(context.Background(), os.Args[1:]))
	case "server":
		time.Sleep(300 * time.Millisecond)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const testWebConfig = `<?xml version="1.0" encoding="utf-8"?>
<configuration>
  <appSettings>
    <add key="Mode" value="Dev" />
  </appSettings>
</configuration>`

const testHostConfig = `<?xml version="1.0" encoding="UTF-8"?>
<configuration>
  <system.applicationHost>
    <sites>
      <site name="Other" id="1">
        <application path="/">
          <virtualDirectory path="/" physicalPath="C:\src\Other" />
        </application>
        <bindings>
          <binding protocol="http" bindingInformation="*:50000:localhost" />
        </bindings>
      </site>
      <site name="Web" id="2">
        <application path="/">
          <virtualDirectory path="/" physicalPath="C:\src\Web" />
        </application>
        <bindings>
          <binding protocol="http" bindingInformation="*:51000:localhost" />
          <binding protocol="https" bindingInformation="*:44300:localhost" />
        </bindings>
      </site>
    </sites>
  </system.applicationHost>
</configuration>`

// makeProject lays out a solution with one web project and returns the
// project directory.
func makeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"Shop.sln":                              "",
		".vs/config/applicationhost.config":     testHostConfig,
		"Web/Web.config":                        testWebConfig,
		"Web/Global.asax":                       "<%@ Application %>",
		"Web/index.html":                        "<html></html>",
		"Web/bin/Web.dll":                       "dll",
		"Web/Content/site.css":                  "body {}",
		"Web/obj/Debug/Web.csproj.FileList.txt": "list",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return filepath.Join(root, "Web")
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{
		TempRoot: t.TempDir(),
		Logger:   log.New(io.Discard, "", 0),
	})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestStage(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)
	port := 9580

	env, err := mgr.Stage(context.Background(), Spec{
		SourceDir:   source,
		Endpoints:   configpatch.Endpoints{HTTPPort: &port},
		AppSettings: map[string]string{"Mode": "Test", "Feature": "on"},
	})
	require.NoError(t, err)

	assert.Equal(t, mgr.tempRoot, filepath.Dir(env.Dir), "staging dir not under temp root")
	assert.Len(t, filepath.Base(env.Dir), 32, "generated dir name is 32 hex characters")
	assert.Equal(t, "Web", env.SiteName)
	assert.True(t, IsManaged(env.Dir), "expected marker file")

	settings := readFile(t, env.AppSettingsPath)
	assert.Contains(t, settings, `key="Mode" value="Test"`)
	assert.Contains(t, settings, `key="Feature" value="on"`)
	assert.Equal(t, testWebConfig, readFile(t, filepath.Join(source, "Web.config")), "source Web.config was modified")

	host := readFile(t, env.HostConfigPath)
	assert.NotContains(t, host, `name="Other"`)
	assert.Contains(t, host, `bindingInformation="*:9580:localhost"`)
	assert.Contains(t, host, `bindingInformation="*:44300:localhost"`)
	assert.Contains(t, host, `physicalPath="`+env.Dir+`"`)

	assert.Equal(t, "<html></html>", readFile(t, filepath.Join(env.Dir, "index.html")))
	assert.Equal(t, "dll", readFile(t, filepath.Join(env.Dir, "bin", "Web.dll")), "read through link")
	info, err := os.Lstat(filepath.Join(env.Dir, "Content"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&(os.ModeSymlink|os.ModeIrregular), "Content should be a link, got mode %v", info.Mode())

	assert.Equal(t, []string{"Content", "bin", "obj"}, env.Links)

	got, err := mgr.Get(env.Dir)
	require.NoError(t, err)
	assert.Same(t, env, got)
	assert.Len(t, mgr.List(), 1)
}

func TestStageRequestedDirectory(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	dir := filepath.Join(t.TempDir(), "site")
	env, err := mgr.Stage(context.Background(), Spec{SourceDir: source, StagingDir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, env.Dir)
}

func TestStageErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, source string) Spec
		code  errdefs.Code
	}{
		{
			name: "non-empty staging directory",
			setup: func(t *testing.T, source string) Spec {
				dir := t.TempDir()
				require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0644))
				return Spec{SourceDir: source, StagingDir: dir}
			},
			code: errdefs.CodeDirectoryNotEmpty,
		},
		{
			name: "missing parent",
			setup: func(t *testing.T, source string) Spec {
				return Spec{SourceDir: source, StagingDir: filepath.Join(t.TempDir(), "a", "b")}
			},
			code: errdefs.CodeMissingParent,
		},
		{
			name: "quote in staging path",
			setup: func(t *testing.T, source string) Spec {
				return Spec{SourceDir: source, StagingDir: filepath.Join(t.TempDir(), `bad"name`)}
			},
			code: errdefs.CodeUnsafePath,
		},
		{
			name: "missing source",
			setup: func(t *testing.T, source string) Spec {
				return Spec{SourceDir: filepath.Join(source, "nope")}
			},
			code: errdefs.CodeMissingSource,
		},
		{
			name: "missing app settings",
			setup: func(t *testing.T, source string) Spec {
				require.NoError(t, os.Remove(filepath.Join(source, "Web.config")))
				return Spec{SourceDir: source}
			},
			code: errdefs.CodeMissingConfig,
		},
		{
			name: "missing host config",
			setup: func(t *testing.T, source string) Spec {
				return Spec{SourceDir: source, HostConfigPath: filepath.Join(source, "none.config")}
			},
			code: errdefs.CodeMissingConfig,
		},
		{
			name: "site not in host config",
			setup: func(t *testing.T, source string) Spec {
				return Spec{SourceDir: source, SiteName: "Missing"}
			},
			code: errdefs.CodeMissingSite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := makeProject(t)
			mgr := newTestManager(t)

			_, err := mgr.Stage(context.Background(), tt.setup(t, source))
			require.Error(t, err)
			assert.Equal(t, tt.code, errdefs.CodeOf(err), "err = %v", err)
			assert.Empty(t, mgr.List(), "failed stage should not be registered")
		})
	}
}

func TestStageNonEmptyDirectoryUntouched(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0644))
	_, err := mgr.Stage(context.Background(), Spec{SourceDir: source, StagingDir: dir})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging dir should hold only keep.txt")
}

func TestStageExcludeIsCaseInsensitive(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	env, err := mgr.Stage(context.Background(), Spec{
		SourceDir: source,
		Exclude:   []string{"OBJ", "INDEX.HTML"},
	})
	require.NoError(t, err)
	assert.False(t, exists(filepath.Join(env.Dir, "obj")), "obj should be excluded")
	assert.False(t, exists(filepath.Join(env.Dir, "index.html")), "index.html should be excluded")
	assert.True(t, exists(filepath.Join(env.Dir, "Global.asax")), "Global.asax should be copied")
}

func TestStageContentsOverride(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	env, err := mgr.Stage(context.Background(), Spec{
		SourceDir:           source,
		AppSettingsContents: []byte(`<configuration><appSettings/></configuration>`),
		HostConfigContents:  []byte(testHostConfig),
		HostConfigPath:      filepath.Join(source, "does-not-exist"),
		AppSettings:         map[string]string{"Only": "1"},
	})
	require.NoError(t, err)

	settings := readFile(t, env.AppSettingsPath)
	assert.NotContains(t, settings, "Mode")
	assert.Contains(t, settings, `key="Only"`)
}

func TestStagePostStageHook(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	var hookDir string
	env, err := mgr.Stage(context.Background(), Spec{
		SourceDir: source,
		PostStage: func(_ context.Context, dir string) error {
			hookDir = dir
			return os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("hook"), 0644)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, env.Dir, hookDir)

	_, err = mgr.Stage(context.Background(), Spec{
		SourceDir: source,
		PostStage: func(context.Context, string) error { return errors.New("boom") },
	})
	assert.True(t, errdefs.HasCode(err, errdefs.CodeHookFailed), "err = %v", err)
}

func TestTeardown(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	env, err := mgr.Stage(context.Background(), Spec{SourceDir: source})
	require.NoError(t, err)

	require.NoError(t, mgr.Teardown(env.Dir))
	assert.False(t, exists(env.Dir), "staging dir still exists")
	assert.Equal(t, "dll", readFile(t, filepath.Join(source, "bin", "Web.dll")), "link target was modified")
	assert.Empty(t, mgr.List(), "environment still registered")

	assert.NoError(t, mgr.Teardown(env.Dir), "second Teardown")
}

func TestTeardownRefusesUnmanaged(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "precious.txt"), []byte("x"), 0644))

	err := Teardown(dir, NewLinker())
	assert.True(t, errdefs.IsNotManaged(err), "err = %v", err)
	assert.True(t, exists(filepath.Join(dir, "precious.txt")), "unmanaged directory was modified")
}

func TestTeardownInterruptedCanRepeat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeMarker(filepath.Join(dir, MarkerFileName), newMarker("src")))

	// Contents already removed, only the marker left.
	require.NoError(t, Teardown(dir, NewLinker()))
	assert.False(t, exists(dir), "directory still exists")
}

func TestHandleCleanup(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	env, err := mgr.Stage(context.Background(), Spec{SourceDir: source})
	require.NoError(t, err)

	bad := protocol.DeleteDatabase("", "db", "/tmp/db", protocol.NoWait)
	err = mgr.HandleCleanup(context.Background(), bad)
	assert.True(t, errdefs.HasCode(err, errdefs.CodeInvalidTicket), "err = %v", err)

	require.NoError(t, mgr.HandleCleanup(context.Background(), protocol.CleanupStaging(env.Dir, protocol.NoWait)))
	assert.False(t, exists(env.Dir), "staging dir still exists")
}

func TestSweep(t *testing.T) {
	source := makeProject(t)
	mgr := newTestManager(t)

	abandoned, err := mgr.Stage(context.Background(), Spec{SourceDir: source})
	require.NoError(t, err)
	mk, err := readMarker(abandoned.MarkerPath)
	require.NoError(t, err)
	mk.OwnerPID = 0
	require.NoError(t, writeMarker(abandoned.MarkerPath, mk))

	live, err := mgr.Stage(context.Background(), Spec{SourceDir: source})
	require.NoError(t, err)

	unmanaged := filepath.Join(mgr.tempRoot, "unmanaged")
	require.NoError(t, os.Mkdir(unmanaged, 0755))

	removed, err := mgr.Sweep("")
	require.NoError(t, err)
	assert.Equal(t, []string{abandoned.Dir}, removed)
	assert.True(t, exists(live.Dir), "directory owned by a live process was swept")
	assert.True(t, exists(unmanaged), "unmanaged directory was swept")
}

type fakeLauncher struct {
	mu       sync.Mutex
	commands []launcher.Command
	stopped  int
}

func (f *fakeLauncher) Launch(_ context.Context, c launcher.Command) (*launcher.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
	return &launcher.Handle{PID: 4242}, nil
}

func (f *fakeLauncher) Stop(context.Context, *launcher.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

type fakeArmer struct {
	tickets []protocol.Ticket
	err     error
}

func (f *fakeArmer) Arm(t protocol.Ticket) error {
	f.tickets = append(f.tickets, t)
	return f.err
}

func TestStartArmsCleanup(t *testing.T) {
	source := makeProject(t)
	fl := &fakeLauncher{}
	fa := &fakeArmer{}
	mgr := NewManager(Config{
		TempRoot: t.TempDir(),
		Launcher: fl,
		Armer:    fa,
		Logger:   log.New(io.Discard, "", 0),
	})

	env, err := mgr.Start(context.Background(), Spec{SourceDir: source}, Server{
		Executable: "iisexpress",
		Args:       []string{"/config:{config}", "/site:{site}", "/path:{dir}"},
	})
	require.NoError(t, err)

	require.Len(t, fl.commands, 1)
	cmd := fl.commands[0]
	assert.Equal(t, []string{"/config:" + env.HostConfigPath, "/site:Web", "/path:" + env.Dir}, cmd.Args)
	assert.Equal(t, env.Dir, cmd.Dir)

	require.Len(t, fa.tickets, 1)
	assert.Equal(t, protocol.CleanupStaging(env.Dir, 4242), fa.tickets[0])

	mk, err := readMarker(env.MarkerPath)
	require.NoError(t, err)
	assert.Equal(t, 4242, mk.ServerPID)

	require.NoError(t, env.Stop(context.Background()))
	assert.Equal(t, 1, fl.stopped)
	assert.False(t, exists(env.Dir), "staging dir still exists after Stop")
}

func TestStartReturnsEnvironmentWhenArmingFails(t *testing.T) {
	source := makeProject(t)
	mgr := NewManager(Config{
		TempRoot: t.TempDir(),
		Launcher: &fakeLauncher{},
		Armer:    &fakeArmer{err: errors.New("no watcher")},
		Logger:   log.New(io.Discard, "", 0),
	})

	env, err := mgr.Start(context.Background(), Spec{SourceDir: source}, Server{Executable: "iisexpress"})
	require.Error(t, err)
	require.NotNil(t, env, "expected environment despite arming failure")
	assert.NoError(t, env.Stop(context.Background()))
}

func TestStartCleansUpAfterServerExits(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	source := makeProject(t)
	armer, err := watcher.NewArmer(watcher.Config{
		Executable: os.Args[0],
		Env:        []string{roleEnv + "=dispatcher"},
		Logger:     log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)
	mgr := NewManager(Config{
		TempRoot: t.TempDir(),
		Launcher: launcher.NewLocalLauncher(logger),
		Armer:    armer,
		Logger:   logger,
	})

	env, err := mgr.Start(context.Background(), Spec{SourceDir: source}, Server{
		Executable: os.Args[0],
		Env:        []string{roleEnv + "=server"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, WaitForTeardown(ctx, env.Dir), "staging dir not cleaned up")
	assert.Equal(t, "dll", readFile(t, filepath.Join(source, "bin", "Web.dll")), "source was modified by cleanup")
}

func TestWaitForTeardown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "env")
	require.NoError(t, os.Mkdir(dir, 0755))

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.RemoveAll(dir)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitForTeardown(ctx, dir))

	assert.NoError(t, WaitForTeardown(context.Background(), dir), "already gone")
}

func TestWaitForTeardownContextDone(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, WaitForTeardown(ctx, dir), context.DeadlineExceeded)
}

func TestFindHostConfig(t *testing.T) {
	source := makeProject(t)

	path, err := FindHostConfig(source)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(source), ".vs", "config", HostConfigFileName), path)

	_, err = FindHostConfig(t.TempDir())
	assert.True(t, errdefs.HasCode(err, errdefs.CodeMissingConfig), "err = %v", err)
}

func TestLoadSpecFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.yaml")
	content := `source: ./Web
site: Web
exclude: [obj]
app_settings:
  Mode: Test
endpoints:
  http_port: 9580
server:
  executable: /usr/bin/server
  args: ["--dir", "{dir}"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	spec, server, err := LoadSpecFile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Web"), spec.SourceDir)
	require.NotNil(t, spec.Endpoints.HTTPPort)
	assert.Equal(t, 9580, *spec.Endpoints.HTTPPort)
	assert.Nil(t, spec.Endpoints.HTTPSPort)
	assert.Equal(t, "Test", spec.AppSettings["Mode"])
	assert.Equal(t, "/usr/bin/server", server.Executable)
	assert.Equal(t, []string{"--dir", "{dir}"}, server.Args)

	require.NoError(t, os.WriteFile(path, []byte("site: x\n"), 0644))
	_, _, err = LoadSpecFile(path)
	assert.Error(t, err, "source is required")
}
