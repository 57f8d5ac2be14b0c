package portwatch

import (
	"encoding/json"
	"os"
	"path"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// Standard paths to use to store portwatch related data
// https://specifications.freedesktop.org/basedir-spec/latest/
type StandardPaths struct {
	// Can be used to change the profile
	// Default: "portwatch"
	PW_APPNAME string
	// Path to configuration directory.
	// Default: "$XDG_CONFIG_HOME/$PW_APPNAME" or "$HOME/.config/$PW_APPNAME" if unset
	CONFIG_HOME string
	// Path to state directory
	// Default: "$XDG_STATE_HOME/$PW_APPNAME" or "$HOME/.local/state/$PW_APPNAME" if unset
	STATE_HOME string
	// Path to data directory
	// Default: "$XDG_DATA_HOME/$PW_APPNAME" or "$HOME/.local/share/$PW_APPNAME"
	DATA_HOME string
}

func PWDStandardPaths() StandardPaths {
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	return StandardPaths{"portwatch", wd, wd, wd}
}

func (s StandardPaths) init() error {
	for _, p := range []string{s.CONFIG_HOME, s.STATE_HOME, s.DATA_HOME} {
		if err := os.MkdirAll(p, 0700); err != nil {
			return errors.Wrapf(err, "failed to create standard path: %s", p)
		}
	}
	return nil
}

type stdpathsBuilder struct {
	stdpaths *StandardPaths
	home     string

	app    string
	config string
	state  string
	data   string
}

func newStdpathsBuilder() *stdpathsBuilder {
	return &stdpathsBuilder{home: os.Getenv("HOME")}
}

func (b *stdpathsBuilder) withStdpaths(stdpaths *StandardPaths) *stdpathsBuilder {
	bcp := *b
	bcp.stdpaths = stdpaths
	return &bcp
}

func (b *stdpathsBuilder) isValid(val string) bool {
	return !slices.Contains([]string{"", "-"}, val)
}

func (b *stdpathsBuilder) bind(val, env, def string) string {
	if b.isValid(val) {
		return val
	}
	if v := os.Getenv(env); b.isValid(v) {
		return v
	}
	return def
}

func (b *stdpathsBuilder) bindToApp(val, env, def string) string {
	v := b.bind(val, env, def)
	if v == val {
		return val
	}
	return path.Join(v, b.app)
}

func (b *stdpathsBuilder) setApp(val string) *stdpathsBuilder {
	b.app = b.bind(val, "PW_APPNAME", "portwatch")
	return b
}

func (b *stdpathsBuilder) setConfig(val string) *stdpathsBuilder {
	b.config = b.bindToApp(val, "XDG_CONFIG_HOME", path.Join(b.home, ".config"))
	return b
}

func (b *stdpathsBuilder) setState(val string) *stdpathsBuilder {
	b.state = b.bindToApp(val, "XDG_STATE_HOME", path.Join(b.home, ".local", "state"))
	return b
}

func (b *stdpathsBuilder) setData(val string) *stdpathsBuilder {
	b.data = b.bindToApp(val, "XDG_DATA_HOME", path.Join(b.home, ".local", "share"))
	return b
}

func (b *stdpathsBuilder) build() *StandardPaths {
	stdpaths := b.stdpaths
	stdpaths.PW_APPNAME = b.app
	stdpaths.CONFIG_HOME = b.config
	stdpaths.STATE_HOME = b.state
	stdpaths.DATA_HOME = b.data
	return stdpaths
}

// Overrides empty standard paths with their environment or
// default values.
func BindStandardPaths(stdpaths *StandardPaths) *StandardPaths {
	b := newStdpathsBuilder().withStdpaths(stdpaths)
	return b.setApp(stdpaths.PW_APPNAME).
		setConfig(stdpaths.CONFIG_HOME).
		setData(stdpaths.DATA_HOME).
		setState(stdpaths.STATE_HOME).
		build()
}

type TraefikSettings struct {
	// Base URL of the Traefik API, e.g. "http://traefik:8080/api".
	// The compose placeholder counts as unconfigured.
	Api      string `json:"api"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type Settings struct {
	// Address the HTTP API binds to
	Listen string `json:"listen"`
	// Path to the sqlite database. Defaults to the data directory.
	Database string `json:"database"`
	// Fernet key for credential fields
	SecretKey string `json:"secret_key"`
	// Seconds between scheduled health checks
	CheckInterval int `json:"check_interval"`
	// Probe workers running at once
	Workers int `json:"workers"`

	Traefik TraefikSettings `json:"traefik"`
}

func defaultSettings() Settings {
	return Settings{
		Listen:        ":8080",
		CheckInterval: 30,
		Workers:       4,
	}
}

// Environment wins over the settings file so containers can be
// configured without mounting one.
func (s *Settings) bindEnv() {
	envs := map[string]*string{
		"PW_LISTEN":            &s.Listen,
		"PW_DATABASE":          &s.Database,
		"PW_SECRET_KEY":        &s.SecretKey,
		"TRAEFIK_API_URL":      &s.Traefik.Api,
		"TRAEFIK_API_USERNAME": &s.Traefik.Username,
		"TRAEFIK_API_PASSWORD": &s.Traefik.Password,
	}
	for env, field := range envs {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

type Configuration struct {
	paths    StandardPaths
	settings Settings
}

// Returns the location where we store the database
func (c *Configuration) Home() string {
	return c.paths.DATA_HOME
}

func (c *Configuration) Database() string {
	if c.settings.Database != "" {
		return c.settings.Database
	}
	return path.Join(c.Home(), "portwatch.db")
}

func (c *Configuration) Listen() string {
	return c.settings.Listen
}

func (c *Configuration) CheckInterval() time.Duration {
	return time.Duration(c.settings.CheckInterval) * time.Second
}

func (c *Configuration) Workers() int {
	if c.settings.Workers < 1 {
		return 1
	}
	return c.settings.Workers
}

func (c *Configuration) SecretKey() string {
	return c.settings.SecretKey
}

func (c *Configuration) Traefik() TraefikSettings {
	return c.settings.Traefik
}

// LoadSettings reads the settings file and binds the environment on
// top. A missing default file is fine, a missing explicit one is not.
func LoadSettings(fpath string, stdpaths *StandardPaths) (*Configuration, error) {
	if err := stdpaths.init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize standard paths")
	}

	settings := defaultSettings()

	explicit := fpath != ""
	if !explicit {
		fpath = path.Join(stdpaths.CONFIG_HOME, "settings.json")
	}

	f, err := os.Open(fpath)
	switch {
	case err == nil:
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&settings); err != nil {
			return nil, errors.Wrapf(err, "failed to parse settings file %s", fpath)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return nil, errors.Wrapf(err, "failed to open settings file %s", fpath)
	}

	settings.bindEnv()

	return &Configuration{
		paths:    *stdpaths,
		settings: settings,
	}, nil
}

// Configuration for tests and one-off runs. Everything lives in the
// working directory and the database stays in memory.
func MemoryConfiguration() *Configuration {
	settings := defaultSettings()
	settings.Database = string(INMEMORY_DATABASE)
	return &Configuration{
		paths:    PWDStandardPaths(),
		settings: settings,
	}
}
