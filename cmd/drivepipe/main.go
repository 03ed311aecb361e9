// Command drivepipe runs the perception and control pipeline. "drivepipe run"
// is the manager; the other subcommands are the roles it launches, one
// process each.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/supervisor"
	"github.com/banshee-data/drivepipe/internal/version"
)

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	channelDir string
	reportFD   int

	cfg      *config.Config
	logClose io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "drivepipe",
		Short:        "Camera perception pipeline with behaviour planning and steering control",
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if o.logClose != nil {
				o.logClose.Close()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "TOML configuration file")
	pf.StringVar(&o.channelDir, "channel-dir", "", "channel directory (overrides channels.dir)")
	pf.IntVar(&o.reportFD, "report-fd", -1, "write the role report to this inherited descriptor")

	root.AddCommand(newRunCmd(o))
	for _, spec := range []supervisor.Spec{
		{Role: supervisor.RoleSource},
		{Role: supervisor.RoleControl},
		{Role: supervisor.RoleRecorder},
		{Role: supervisor.RoleVisualiser},
	} {
		root.AddCommand(newRoleCmd(o, spec.Role, roleShort[spec.Role]))
	}
	root.AddCommand(newWorkerCmd(o))
	return root
}

var roleShort = map[supervisor.Role]string{
	supervisor.RoleSource:     "Publish camera frames on the frame channel",
	supervisor.RoleControl:    "Plan behaviour and steer from the control channel",
	supervisor.RoleRecorder:   "Record canonical snapshots into SQLite",
	supervisor.RoleVisualiser: "Stream snapshot summaries over gRPC",
}

// setup loads configuration and configures logging for the subcommand.
func (o *options) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("channel-dir") {
		cfg.Channels.Dir = &o.channelDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	monitoring.SetRole(cmd.Name())
	w, closer, err := monitoring.OpenLogWriters(cfg.GetLogOps(), cfg.GetLogDiag(), cfg.GetLogTrace())
	if err != nil {
		return err
	}
	monitoring.SetLogWriters(w)
	o.logClose = closer

	var changed []string
	cmd.Flags().Visit(func(f *pflag.Flag) { changed = append(changed, f.Name+"="+f.Value.String()) })
	if len(changed) > 0 {
		monitoring.Logf("%s: flags %s", cmd.Name(), strings.Join(changed, " "))
	}
	return nil
}

func (o *options) env() supervisor.Env {
	return supervisor.Env{Config: o.cfg, ConfigPath: o.configPath}
}

// runRole runs one role in this process and reports back to the manager.
func (o *options) runRole(ctx context.Context, spec supervisor.Spec) error {
	report, err := supervisor.RunRole(ctx, o.env(), spec)
	if o.reportFD >= 0 {
		f := os.NewFile(uintptr(o.reportFD), "report")
		if werr := supervisor.WriteReport(f, report, err); werr != nil {
			monitoring.Logf("writing report: %v", werr)
		}
		f.Close()
	}
	return err
}

func newRoleCmd(o *options, role supervisor.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runRole(cmd.Context(), supervisor.Spec{Role: role})
		},
	}
}

func newWorkerCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker PIPELINE",
		Short: "Run one configured filter pipeline against the frame channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runRole(cmd.Context(), supervisor.Spec{Role: supervisor.RoleWorker, Name: args[0]})
		},
	}
}

func newRunCmd(o *options) *cobra.Command {
	var (
		inProcess bool
		strategy  string
		frames    int
		fps       float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every role, merge partial snapshots and join on shutdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := o.cfg
			if cmd.Flags().Changed("strategy") {
				cfg.Source.Strategy = &strategy
			}
			if cmd.Flags().Changed("frames") {
				cfg.Source.Frames = &frames
			}
			if cmd.Flags().Changed("fps") {
				cfg.Source.FPS = &fps
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), o, inProcess)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&inProcess, "inprocess", false, "run every role as a goroutine of this process")
	f.StringVar(&strategy, "strategy", "live", "source gating: live, fastest or all")
	f.IntVar(&frames, "frames", 0, "stop after this many frames (0 = endless)")
	f.Float64Var(&fps, "fps", 60, "target frame rate")
	return cmd
}

func run(ctx context.Context, out io.Writer, o *options, inProcess bool) error {
	cfg := o.cfg
	if addr := cfg.GetDebugListen(); addr != "" {
		stop, err := supervisor.ServeDebug(addr, nil)
		if err != nil {
			return err
		}
		defer stop()
	}

	var launcher supervisor.Launcher
	if inProcess {
		launcher = supervisor.InProcess{Env: o.env()}
	} else {
		// Children load exactly what the manager runs with, flag overrides
		// included.
		f, err := os.CreateTemp("", "drivepipe-*.toml")
		if err != nil {
			return fmt.Errorf("create run config: %w", err)
		}
		f.Close()
		defer os.Remove(f.Name())
		if err := cfg.Save(f.Name()); err != nil {
			return err
		}
		launcher = supervisor.Process{ConfigPath: f.Name()}
	}

	sum, err := supervisor.NewManager(o.env(), launcher).Run(ctx)
	fmt.Fprintf(out, "run %s\n", sum.RunID)
	for _, r := range sum.Results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		fmt.Fprintf(out, "  %-20s %s\n", r.Spec, status)
	}
	for _, w := range sum.Workers {
		fmt.Fprintf(out, "  worker %-13s %d frames\n", w.Worker, len(w.Processed))
	}
	for _, c := range sum.Charts {
		fmt.Fprintf(out, "  wrote %s\n", c)
	}
	return err
}
