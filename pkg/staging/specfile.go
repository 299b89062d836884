package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stagehand/pkg/configpatch"
)

// SpecFile is the YAML form of a Spec and the Server that runs it.
type SpecFile struct {
	Source     string            `yaml:"source"`
	StagingDir string            `yaml:"staging_dir,omitempty"`
	Site       string            `yaml:"site,omitempty"`
	Settings   string            `yaml:"app_settings_file,omitempty"`
	HostConfig string            `yaml:"host_config,omitempty"`
	Exclude    []string          `yaml:"exclude,omitempty"`
	Overrides  map[string]string `yaml:"app_settings,omitempty"`

	Endpoints struct {
		Host      string `yaml:"host,omitempty"`
		HTTPPort  *int   `yaml:"http_port,omitempty"`
		HTTPSPort *int   `yaml:"https_port,omitempty"`
	} `yaml:"endpoints,omitempty"`

	Server struct {
		Executable  string   `yaml:"executable,omitempty"`
		Args        []string `yaml:"args,omitempty"`
		Env         []string `yaml:"env,omitempty"`
		ShowConsole bool     `yaml:"show_console,omitempty"`
		Image       string   `yaml:"image,omitempty"`
	} `yaml:"server,omitempty"`
}

// LoadSpecFile reads a stage spec from a YAML file. Relative paths in the
// file are resolved against the file's directory.
func LoadSpecFile(path string) (Spec, Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, Server{}, fmt.Errorf("read spec file: %w", err)
	}

	var sf SpecFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return Spec{}, Server{}, fmt.Errorf("parse spec file: %w", err)
	}
	if sf.Source == "" {
		return Spec{}, Server{}, fmt.Errorf("spec file %s: source is required", path)
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	spec := Spec{
		SourceDir:       resolve(sf.Source),
		StagingDir:      resolve(sf.StagingDir),
		SiteName:        sf.Site,
		AppSettingsFile: sf.Settings,
		HostConfigPath:  resolve(sf.HostConfig),
		Exclude:         sf.Exclude,
		AppSettings:     sf.Overrides,
		Endpoints: configpatch.Endpoints{
			Host:      sf.Endpoints.Host,
			HTTPPort:  sf.Endpoints.HTTPPort,
			HTTPSPort: sf.Endpoints.HTTPSPort,
		},
	}
	server := Server{
		Executable:  sf.Server.Executable,
		Args:        sf.Server.Args,
		Env:         sf.Server.Env,
		ShowConsole: sf.Server.ShowConsole,
		Image:       sf.Server.Image,
	}
	return spec, server, nil
}
