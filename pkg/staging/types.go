// Package staging builds isolated, disposable copies of a web application
// directory for one test run and tears them down again.
//
// A staging directory holds copies of the application's top-level files,
// patched copies of its two configuration documents and links to its
// subdirectories. A marker file at its root is the only proof that the
// directory may be deleted.
package staging

import (
	"context"
	"log"
	"sync"
	"time"

	"stagehand/pkg/configpatch"
	"stagehand/pkg/launcher"
	"stagehand/pkg/metrics"
	"stagehand/pkg/protocol"
)

const (
	// MarkerFileName marks a directory as managed by a Manager.
	MarkerFileName = "TEMP_WEB_FOLDER.txt"

	// DefaultAppSettingsFile is the application settings document name.
	DefaultAppSettingsFile = "Web.config"

	// HostConfigFileName is the name of the staged host bindings document.
	HostConfigFileName = "applicationhost.config"
)

// Spec describes an environment to stage.
type Spec struct {
	// SourceDir is the web application project directory.
	SourceDir string

	// StagingDir is optional. When empty a unique directory is created
	// under the manager's temp root.
	StagingDir string

	// SiteName selects the site kept in the host bindings document.
	// Defaults to the base name of SourceDir.
	SiteName string

	// AppSettingsFile defaults to DefaultAppSettingsFile.
	AppSettingsFile string

	// HostConfigPath points at the host bindings document. When empty it
	// is discovered next to the solution that contains SourceDir.
	HostConfigPath string

	Endpoints   configpatch.Endpoints
	AppSettings map[string]string

	// Exclude lists top-level names (compared case-insensitively) that are
	// neither copied nor linked.
	Exclude []string

	// Raw replacement contents for either configuration document. The
	// overrides are still patched.
	AppSettingsContents []byte
	HostConfigContents  []byte

	// PostStage runs last, with the final staging directory.
	PostStage func(ctx context.Context, dir string) error
}

// Environment is a staged directory and, once started, its server process.
type Environment struct {
	Dir             string
	SiteName        string
	MarkerPath      string
	AppSettingsPath string
	HostConfigPath  string
	SourceDir       string
	Links           []string
	CreatedAt       time.Time

	// Server is set by Manager.Start.
	Server *launcher.Handle

	manager *Manager
}

// Linker creates and removes directory-level links.
type Linker interface {
	Link(ctx context.Context, target, link string) error
	Unlink(link string) error
}

// Arming hands cleanup tickets to a detached watcher.
type Arming interface {
	Arm(t protocol.Ticket) error
}

// Config holds configuration for creating a new Manager.
type Config struct {
	// TempRoot is where generated staging directories are created.
	// Defaults to os.TempDir().
	TempRoot string

	Linker   Linker
	Launcher launcher.Launcher
	Armer    Arming
	Metrics  metrics.Collector
	Logger   *log.Logger
}

// Manager stages and tears down environments.
type Manager struct {
	tempRoot string
	linker   Linker
	launcher launcher.Launcher
	armer    Arming
	metrics  metrics.Collector
	logger   *log.Logger

	mu   sync.RWMutex
	envs map[string]*Environment // staging dir -> environment
}
