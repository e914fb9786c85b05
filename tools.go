package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"ffes2mqtt/ffes"
	"ffes2mqtt/watcher"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown output format")

func newSnapshotCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Poll the controller once and print the decoded state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := a.newWatcher(nil)
			defer w.Close()
			if err := w.Refresh(cmd.Context()); err != nil {
				return errors.Wrap(err, "poll")
			}
			s, _ := w.Snapshot()
			return printSnapshot(cmd.OutOrStdout(), &s, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, yaml")
	return cmd
}

func printSnapshot(out io.Writer, s *ffes.Snapshot, format string) error {
	var data []byte
	var err error
	switch format {
	case "json":
		data, err = json.MarshalIndent(s, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(s)
	case "table":
		return printTable(out, s)
	default:
		return errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// printTable lists every field with its human readable name and unit.
func printTable(out io.Writer, s *ffes.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tNAME\tVALUE")
	for i := range ffes.Fields {
		f := &ffes.Fields[i]
		value := f.Value(s)
		if f.Key == "profile" {
			if name := s.ProfileNumber.DisplayName(); name != "" {
				value = name
			}
		}
		if f.Unit != "" {
			value += " " + f.Unit
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Key, f.Name, value)
	}
	return tw.Flush()
}

// parseAddress accepts a register name from the map or a logical offset.
func parseAddress(width ffes.Width, s string) (uint16, error) {
	if r, err := ffes.Lookup(width, s); err == nil {
		return r.Offset, nil
	}
	offset, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(ffes.ErrUnknownField, "%s %q", width, s)
	}
	return uint16(offset), nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func newWriteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a single register or coil",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "register <name|offset> <value>",
		Short: "Write a holding register",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseAddress(ffes.Word, args[0])
			if err != nil {
				return err
			}
			value, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return errors.Wrapf(err, "value %q", args[1])
			}
			return a.withWatcher(cmd.Context(), func(ctx context.Context, w *watcher.Watcher) error {
				return w.WriteRegister(ctx, offset, uint16(value))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "coil <name|offset> <on|off>",
		Short: "Write a coil",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseAddress(ffes.Bit, args[0])
			if err != nil {
				return err
			}
			value, err := parseBool(args[1])
			if err != nil {
				return errors.Wrapf(err, "value %q", args[1])
			}
			return a.withWatcher(cmd.Context(), func(ctx context.Context, w *watcher.Watcher) error {
				return w.WriteCoil(ctx, offset, value)
			})
		},
	})
	return cmd
}

func newSessionCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start or stop a sauna session",
	}

	var session ffes.Session
	start := &cobra.Command{
		Use:   "start",
		Short: "Select a profile, set temperature and duration and switch heating on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(cmd.Context(), func(ctx context.Context, c *ffes.Controller) error {
				return c.StartSession(ctx, session)
			})
		},
	}
	start.Flags().StringVar(&session.Profile, "profile", ffes.PROFILE_DRY_SAUNA.String(), "Sauna profile")
	start.Flags().IntVar(&session.Temperature, "temperature", 80, "Target temperature in °C")
	start.Flags().IntVar(&session.Duration, "duration", 60, "Session duration in minutes (1-2000)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Switch the controller off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(cmd.Context(), func(ctx context.Context, c *ffes.Controller) error {
				return c.StopSession(ctx)
			})
		},
	}
	cmd.AddCommand(start, stop)
	return cmd
}

func (a *app) withWatcher(ctx context.Context, f func(ctx context.Context, w *watcher.Watcher) error) error {
	w := a.newWatcher(nil)
	defer w.Close()
	if err := f(ctx, w); err != nil {
		return err
	}
	if s, ok := w.Snapshot(); ok {
		a.logger.Info("done", zap.String("status", s.StatusName), zap.Uint16("temperature_set", s.TemperatureSet),
			zap.String("profile", s.Profile))
	}
	return nil
}

// withController polls once first so temperature limits follow the active profile.
func (a *app) withController(ctx context.Context, f func(ctx context.Context, c *ffes.Controller) error) error {
	return a.withWatcher(ctx, func(ctx context.Context, w *watcher.Watcher) error {
		if err := w.Refresh(ctx); err != nil {
			a.logger.Warn("initial poll failed, using default limits", zap.Error(err))
		}
		return f(ctx, ffes.NewController(&ffes.ControllerConfig{Device: w, Logger: a.logger}))
	})
}
