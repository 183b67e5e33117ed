// Package cli implements the cellar command-line interface.
//
// See docs/ARCHITECTURE.md § CLI.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/cellar/internal/engine"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/internal/paths"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// app carries the global flags and the loaded configuration to every
// subcommand.
type app struct {
	configDir string
	dataDir   string
	json      bool

	cfg types.Config
	v   *viper.Viper
	log io.Writer
}

// NewRootCmd creates the top-level "cellar" command with its global flags
// and subcommands.
func NewRootCmd() *cobra.Command {
	a := &app{log: os.Stderr}
	root := &cobra.Command{
		Use:   "cellar",
		Short: "Manage cellar databases and import data files into them",
		Long: `cellar manages embedded page-file databases. Data files written by one
database can be copied into another and attached with "cellar import"
without re-encoding their records.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.load() },
	}

	root.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "configuration directory (default: $CELLAR_CONFIG_DIR or the per-user config directory)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "database directory (default: $CELLAR_DATA_DIR, data_dir from config.yaml or the per-user data directory)")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "output as JSON")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newCreateCmd(a),
		newImportCmd(a),
		newVerifyCmd(a),
		newCheckpointCmd(a),
		newMetadataCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newDropCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the matching code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cellar:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// userErrors are failures caused by the command's arguments or the data
// files it was pointed at rather than by the system.
var userErrors = []error{
	types.ErrInvalidURI,
	types.ErrMalformedConfig,
	types.ErrIncompatibleLayout,
	types.ErrNameInUse,
	types.ErrNotFound,
	types.ErrKeyNotFound,
	types.ErrFileMissing,
	types.ErrChecksumMismatch,
	types.ErrOrderingViolation,
	types.ErrAllocationSizeMismatch,
	types.ErrCorruptPage,
	types.ErrDanglingReference,
	types.ErrObjectBusy,
	errUsage,
}

var errUsage = errors.New("usage")

func exitCode(err error) int {
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}

// load resolves the directories, reads config.yaml and sets up logging.
func (a *app) load() error {
	configDir, err := paths.ResolveConfigDir(a.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	a.configDir = configDir
	if a.v, err = loadConfig(configDir); err != nil {
		return err
	}
	dataDir, err := paths.ResolveDataDir(a.dataDir, a.v.GetString(cfgKeyDataDir))
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	a.cfg = configFrom(a.v, dataDir)
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedConfig, err)
	}
	logging.Init(a.log, a.cfg.LogLevel, a.cfg.LogFormat)
	return nil
}

// withSession opens the database, runs fn in a session and closes the
// database, which checkpoints it.
func (a *app) withSession(fn func(s *engine.Session) error) error {
	conn, err := engine.Open(a.cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.cfg.DataDir, err)
	}
	s, err := conn.OpenSession()
	if err != nil {
		conn.Close()
		return err
	}
	err = fn(s)
	s.Close()
	if cerr := conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
