package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/portwatch"
)

const unset = "-"

type Flags struct {
	Paths  portwatch.StandardPaths
	Config string
	Debug  bool
}

// loader defers engine construction until a command actually runs,
// after the persistent flags have been parsed and bound.
type loader struct {
	conf   *portwatch.Configuration
	engine *portwatch.Engine
}

func (l *loader) load() (*portwatch.Engine, error) {
	if l.engine != nil {
		return l.engine, nil
	}
	if l.conf == nil {
		return nil, errors.New("configuration not loaded")
	}

	engine, err := portwatch.NewEngine(l.conf)
	if err != nil {
		return nil, err
	}
	l.engine = engine
	return engine, nil
}

func Run() error {
	var f Flags
	l := &loader{}

	com := &cobra.Command{
		Use:   "portwatch",
		Short: "Service health monitor and API detector",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if f.Debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			// 1. bind the paths. Overrides defaults.
			portwatch.BindStandardPaths(&f.Paths)
			// 2. load and validate the configuration
			c, err := portwatch.LoadSettings(f.Config, &f.Paths)
			l.conf = c
			return err
		},
	}

	// This set of flags propagates
	fl := com.PersistentFlags()

	stdpaths := &f.Paths
	pathFlags := pflag.NewFlagSet("Standard Paths", pflag.ExitOnError)
	pathFlags.StringVar(&stdpaths.PW_APPNAME, "stdpath.app", unset, "App name")
	pathFlags.StringVar(&stdpaths.CONFIG_HOME, "stdpath.config", unset, "Configuration directory")
	pathFlags.StringVar(&stdpaths.STATE_HOME, "stdpath.state", unset, "State directory")
	pathFlags.StringVar(&stdpaths.DATA_HOME, "stdpath.data", unset, "Data directory")
	fl.AddFlagSet(pathFlags)

	cfgFlags := pflag.NewFlagSet("Configuration", pflag.ExitOnError)
	cfgFlags.StringVar(&f.Config, "config", "", "Path to configuration file")
	cfgFlags.BoolVar(&f.Debug, "debug", false, "Log at debug level")
	fl.AddFlagSet(cfgFlags)

	com.AddGroup(
		&cobra.Group{ID: "run", Title: "Run:"},
		&cobra.Group{ID: "manage", Title: "Manage:"},
	)

	com.AddCommand(
		serveCommand(l),
		serviceCommands(l),
		checkCommand(l),
		detectCommand(l),
		syncCommand(l),
	)

	return com.Execute()
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, errors.Errorf("%q is not a service id", arg)
	}
	return uint(id), nil
}

// optional maps the flag sentinel to "not provided". An empty string
// still counts as provided, it clears the stored value.
func optional(v string) *string {
	if v == unset {
		return nil
	}
	return &v
}
