package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"stagehand/pkg/errdefs"
	"stagehand/pkg/launcher"
	"stagehand/pkg/protocol"
)

// Server describes the process that hosts a staged environment.
//
// Args may contain the placeholders {config}, {site} and {dir}, which expand
// to the staged host config path, the site name and the staging directory.
type Server struct {
	Executable  string
	Args        []string
	Env         []string
	ShowConsole bool

	// Image selects the container image when the manager's launcher is
	// Docker based.
	Image string
}

// DefaultServerArgs are the IIS Express arguments for a staged site.
var DefaultServerArgs = []string{"/config:{config}", "/site:{site}"}

// DefaultServerExecutable returns the default IIS Express location on
// Windows and "" elsewhere.
func DefaultServerExecutable() string {
	if runtime.GOOS != "windows" {
		return ""
	}
	programFiles := os.Getenv("ProgramFiles")
	if programFiles == "" {
		programFiles = `C:\Program Files`
	}
	return filepath.Join(programFiles, "IIS Express", "iisexpress.exe")
}

// command expands the server description for env.
func (s Server) command(env *Environment) launcher.Command {
	executable := s.Executable
	if executable == "" {
		executable = DefaultServerExecutable()
	}
	args := s.Args
	if len(args) == 0 {
		args = DefaultServerArgs
	}

	r := strings.NewReplacer(
		"{config}", env.HostConfigPath,
		"{site}", env.SiteName,
		"{dir}", env.Dir,
	)
	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = r.Replace(arg)
	}

	return launcher.Command{
		Path:        executable,
		Args:        expanded,
		Dir:         env.Dir,
		Env:         s.Env,
		ShowConsole: s.ShowConsole,
		Image:       s.Image,
		Mounts:      []string{env.Dir, env.SourceDir},
	}
}

// Start stages spec, launches the server against it and arms a watcher
// that tears the directory down once the server exits.
//
// Staging and launch failures leave the staging directory in place. If only
// arming fails, the running environment is returned together with the
// error so the caller can still Stop it.
func (m *Manager) Start(ctx context.Context, spec Spec, server Server) (*Environment, error) {
	env, err := m.Stage(ctx, spec)
	if err != nil {
		return nil, err
	}

	cmd := server.command(env)
	if cmd.Path == "" && cmd.Image == "" {
		return nil, errdefs.New(errdefs.CodeExecutableNotFound, "no server executable configured").
			WithContext("dir", env.Dir)
	}

	h, err := m.launcher.Launch(ctx, cmd)
	if err != nil {
		return nil, err
	}
	env.Server = h

	if err := recordServer(env, h.PID); err != nil {
		m.logger.Printf("warning: could not record server pid in marker: %v", err)
	}

	if m.armer == nil {
		return env, nil
	}
	if err := m.armer.Arm(protocol.CleanupStaging(env.Dir, h.PID)); err != nil {
		return env, fmt.Errorf("arm cleanup watcher: %w", err)
	}
	return env, nil
}

// Stop terminates the server, if any, and tears the directory down
// synchronously. An armed watcher may race this teardown; whichever runs
// second finds nothing left to delete.
func (e *Environment) Stop(ctx context.Context) error {
	m := e.manager
	if e.Server != nil {
		if err := m.launcher.Stop(ctx, e.Server); err != nil {
			m.logger.Printf("warning: stop server pid %d: %v", e.Server.PID, err)
		}
	}
	return m.Teardown(e.Dir)
}
