package integration

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/journal"
	"stagehand/pkg/configpatch"
	"stagehand/pkg/database"
	"stagehand/pkg/launcher"
	"stagehand/pkg/poll"
	"stagehand/pkg/protocol"
	"stagehand/pkg/staging"
	"stagehand/pkg/watcher"
)

const (
	roleEnv    = "STAGEHAND_INTEGRATION_ROLE"
	journalEnv = "STAGEHAND_INTEGRATION_JOURNAL"
)

// TestMain lets the test binary act as the dispatcher, wired with the same
// handlers as the stagehand command, and as a short-lived server.
func TestMain(m *testing.M) {
	switch os.Getenv(roleEnv) {
	case "dispatcher":
		quiet := log.New(io.Discard, "", 0)
		d := watcher.NewDispatcher(watcher.DispatcherConfig{JournalPath: os.Getenv(journalEnv)})
		d.Handle(protocol.KindCleanupStaging, staging.NewManager(staging.Config{Logger: quiet}).HandleCleanup)
		d.Handle(protocol.KindDeleteDatabase, database.NewManager(database.Config{Logger: quiet}).HandleDelete)
		os.Exit(d.Main(context.Background(), os.Args[1:]))
	case "server":
		d, _ := time.ParseDuration(os.Getenv("STAGEHAND_INTEGRATION_LIFETIME"))
		time.Sleep(d)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestArmer(t *testing.T, journalPath string) *watcher.Armer {
	t.Helper()
	armer, err := watcher.NewArmer(watcher.Config{
		Executable:  os.Args[0],
		Env:         []string{roleEnv + "=dispatcher", journalEnv + "=" + journalPath},
		JournalPath: journalPath,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	return armer
}

func makeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"App.sln": "",
		".vs/config/applicationhost.config": `<configuration><system.applicationHost><sites>
<site name="Api"><application path="/"><virtualDirectory path="/" physicalPath="C:\src\Api" /></application>
<bindings><binding protocol="http" bindingInformation="*:5000:localhost" /></bindings></site>
<site name="Web"><application path="/"><virtualDirectory path="/" physicalPath="C:\src\Web" /></application>
<bindings><binding protocol="http" bindingInformation="*:8080:localhost" /><binding protocol="https" bindingInformation="*:44300:localhost" /></bindings></site>
</sites></system.applicationHost></configuration>`,
		"Web/Web.config":   `<configuration><appSettings><add key="Env" value="dev" /></appSettings></configuration>`,
		"Web/default.aspx": "<html/>",
		"Web/bin/Web.dll":  "binary",
		"Web/Scripts/a.js": "var a;",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return filepath.Join(root, "Web")
}

func waitGone(t *testing.T, path string) {
	t.Helper()
	err := poll.Until(context.Background(), 15*time.Second, func(context.Context) (bool, error) {
		_, err := os.Lstat(path)
		return os.IsNotExist(err), nil
	})
	require.NoError(t, err, "%s still exists", path)
}

func waitForOutcome(t *testing.T, journalPath string, kind protocol.Kind, outcome string) {
	t.Helper()
	err := poll.Until(context.Background(), 15*time.Second, func(context.Context) (bool, error) {
		entries, err := journal.Read(journalPath)
		if err != nil {
			return false, nil
		}
		for _, e := range entries {
			if e.Ticket.Kind == kind && e.Outcome == outcome {
				return true, nil
			}
		}
		return false, nil
	})
	require.NoError(t, err, "no %s/%s entry in journal", kind, outcome)
}

// TestStageLaunchExitCleanup covers the whole flow: stage, launch the
// server, arm the watcher, let the server exit and observe the watcher
// delete the staging directory.
func TestStageLaunchExitCleanup(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	source := makeProject(t)
	journalPath := filepath.Join(t.TempDir(), "cleanup.jsonl")
	port := 9580

	mgr := staging.NewManager(staging.Config{
		TempRoot: t.TempDir(),
		Launcher: launcher.NewLocalLauncher(quietLogger()),
		Armer:    newTestArmer(t, journalPath),
		Logger:   quietLogger(),
	})

	env, err := mgr.Start(context.Background(), staging.Spec{
		SourceDir:   source,
		SiteName:    "Web",
		Endpoints:   configpatch.Endpoints{HTTPPort: &port},
		AppSettings: map[string]string{"Env": "test"},
	}, staging.Server{
		Executable: os.Args[0],
		Env:        []string{roleEnv + "=server", "STAGEHAND_INTEGRATION_LIFETIME=500ms"},
	})
	require.NoError(t, err)

	host, err := os.ReadFile(env.HostConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(host), "*:9580:localhost")
	assert.NotContains(t, string(host), `name="Api"`)
	assert.FileExists(t, filepath.Join(env.Dir, "bin", "Web.dll"), "linked bin not reachable")

	// Still running: the watcher must not have touched the directory.
	require.True(t, staging.IsManaged(env.Dir), "staging directory torn down while the server was running")

	waitGone(t, env.Dir)
	waitForOutcome(t, journalPath, protocol.KindCleanupStaging, journal.OutcomeTornDown)

	assert.FileExists(t, filepath.Join(source, "bin", "Web.dll"), "source damaged by cleanup")
}

// TestArmAfterServerAlreadyExited arms a watcher for a pid that is already
// gone; teardown still happens.
func TestArmAfterServerAlreadyExited(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	source := makeProject(t)
	journalPath := filepath.Join(t.TempDir(), "cleanup.jsonl")
	mgr := staging.NewManager(staging.Config{TempRoot: t.TempDir(), Logger: quietLogger()})

	env, err := mgr.Stage(context.Background(), staging.Spec{SourceDir: source, SiteName: "Web"})
	require.NoError(t, err)

	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), roleEnv+"=server", "STAGEHAND_INTEGRATION_LIFETIME=0s")
	require.NoError(t, cmd.Run())

	armer := newTestArmer(t, journalPath)
	require.NoError(t, armer.Arm(protocol.CleanupStaging(env.Dir, cmd.Process.Pid)))
	waitGone(t, env.Dir)
}

// TestDatabaseDeletedAfterOwnerExits creates a database owned by a
// short-lived process and lets the watcher delete it.
func TestDatabaseDeletedAfterOwnerExits(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	journalPath := filepath.Join(t.TempDir(), "cleanup.jsonl")
	dbs := database.NewManager(database.Config{
		TempRoot: t.TempDir(),
		Armer:    newTestArmer(t, journalPath),
		Logger:   quietLogger(),
	})

	db, err := dbs.Create(context.Background(), database.Options{Name: "IntegrationDb"})
	require.NoError(t, err)

	owner := exec.Command(os.Args[0])
	owner.Env = append(os.Environ(), roleEnv+"=server", "STAGEHAND_INTEGRATION_LIFETIME=300ms")
	require.NoError(t, owner.Start())
	require.NoError(t, db.TryDelete(owner.Process.Pid))

	require.FileExists(t, db.Location, "database deleted before owner exited")
	require.NoError(t, owner.Wait())

	waitGone(t, db.Location)
	waitForOutcome(t, journalPath, protocol.KindDeleteDatabase, journal.OutcomeTornDown)
}
