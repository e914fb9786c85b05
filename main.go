package main

import (
	"os"

	"ffes2mqtt/modbus"
	"ffes2mqtt/watcher"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	v       *viper.Viper
	file    string
	verbose bool
	config  *Config
	logger  *zap.Logger
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "ffes2mqtt",
		Short:         "Bridge an FFES sauna controller to MQTT",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(a.verbose)
			if err != nil {
				return err
			}
			a.logger = logger
			config, err := LoadConfig(a.v, a.file)
			if err != nil {
				return err
			}
			if err := config.Validate(); err != nil {
				return err
			}
			a.config = config
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.file, "config", "", "config file (default: ./ffes2mqtt.yaml or $HOME/ffes2mqtt.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	if err := addFlags(a.v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(
		newRunCommand(a),
		newSnapshotCommand(a),
		newWriteCommand(a),
		newSessionCommand(a),
	)
	return root
}

// newWatcher connects a watcher to the configured controller. Polling starts with Run or Refresh.
func (a *app) newWatcher(recorder watcher.Recorder) *watcher.Watcher {
	mb := modbus.New(&modbus.Config{
		Address:       a.config.Address(),
		UnitID:        byte(a.config.Unit),
		Timeout:       a.config.Timeout,
		DriverVersion: a.config.DriverVersion,
		Logger:        a.logger,
	})
	a.logger.Info("using modbus driver", zap.String("address", a.config.Address()), zap.Stringer("dialect", mb.Dialect()))
	return watcher.New(&watcher.Config{
		Modbus:   mb,
		Interval: a.config.PollInterval(),
		Logger:   a.logger,
		Recorder: recorder,
	})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
