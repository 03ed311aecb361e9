// Package supervisor starts the processes of a pipeline run and joins them.
//
// The manager owns the run flag and every downstream channel, and runs the
// merge loop itself. Each other role (frame source, one worker per
// configured pipeline, control loop, recorder, visualiser) runs through a
// Launcher, either as a re-executed child process or as a goroutine.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/drivepipe/internal/actuator"
	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/control"
	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/recorder"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/source"
	"github.com/banshee-data/drivepipe/internal/stage"
	"github.com/banshee-data/drivepipe/internal/timeutil"
	"github.com/banshee-data/drivepipe/internal/visualiser"
	"github.com/banshee-data/drivepipe/internal/worker"
)

var logs = monitoring.NewStreams("supervisor")

// Channel topics.
const (
	TopicFrames        = "frames"
	TopicVisualisation = "visualization"
	TopicControl       = "control"
	TopicRecording     = "recording"
	TopicCommands      = "commands"

	// RunFlagName is the run flag file in the channel directory.
	RunFlagName = "run"
)

// PartialTopic is the output channel of the named worker.
func PartialTopic(pipeline string) string { return "partial-" + pipeline }

// Role is a process kind.
type Role string

const (
	RoleSource     Role = "source"
	RoleWorker     Role = "worker"
	RoleControl    Role = "control"
	RoleRecorder   Role = "recorder"
	RoleVisualiser Role = "visualise"
)

// Spec names one process to launch. Name is the pipeline for workers.
type Spec struct {
	Role Role
	Name string
}

func (s Spec) String() string {
	if s.Name == "" {
		return string(s.Role)
	}
	return string(s.Role) + "/" + s.Name
}

// Env is what every role needs to run.
type Env struct {
	Config *config.Config
	// ConfigPath is handed to child processes. Empty selects defaults.
	ConfigPath string
	// Stages overrides how stage chains are built. Zero selects the
	// synthetic detectors at the configured frame size.
	Stages stage.Env
	Clock  timeutil.Clock
}

func (e Env) clock() timeutil.Clock {
	if e.Clock == nil {
		return timeutil.RealClock{}
	}
	return e.Clock
}

func (e Env) stageEnv() stage.Env {
	se := e.Stages
	if se.Width == 0 {
		se.Width = e.Config.GetWidth()
	}
	if se.Height == 0 {
		se.Height = e.Config.GetHeight()
	}
	return se
}

func channelOptions(cfg *config.Config) shm.Options {
	return shm.Options{
		Dir:          cfg.GetChannelDir(),
		PollInterval: cfg.GetPollInterval(),
		DrainTimeout: cfg.GetDrainTimeout(),
	}
}

// flagInterval is how often main loops look at the run flag.
func flagInterval(cfg *config.Config) time.Duration {
	return 10 * cfg.GetPollInterval()
}

// RunRole runs spec to completion in the calling process and returns the
// role's report. The run flag must already exist; clearing it stops the role.
func RunRole(ctx context.Context, env Env, spec Spec) (interface{}, error) {
	cfg := env.Config
	flag, err := shm.OpenRunFlag(cfg.GetChannelDir(), RunFlagName)
	if err != nil {
		return nil, fmt.Errorf("attach run flag: %w", err)
	}
	defer flag.Close()
	ctx, cancel := flag.Context(ctx, flagInterval(cfg))
	defer cancel()

	switch spec.Role {
	case RoleSource:
		return RunSource(ctx, env)
	case RoleWorker:
		return RunWorker(ctx, env, spec.Name)
	case RoleControl:
		return RunControl(ctx, env)
	case RoleRecorder:
		return RunRecorder(ctx, env)
	case RoleVisualiser:
		return RunVisualiser(ctx, env)
	}
	return nil, fmt.Errorf("unknown role %q", spec.Role)
}

// RunSource publishes synthetic frames on the frame channel.
func RunSource(ctx context.Context, env Env) (source.Stats, error) {
	cfg := env.Config
	strategy, err := source.ParseStrategy(cfg.GetStrategy())
	if err != nil {
		return source.Stats{}, config.Errorf("source.strategy", "%v", err)
	}
	opts := channelOptions(cfg)
	opts.Capacity = cfg.GetFrameCapacity()
	opts.Policy = strategy.Policy()
	out, err := shm.Create(TopicFrames, opts)
	if err != nil {
		return source.Stats{}, err
	}
	defer out.Close()

	phase := int(cfg.GetFPS())
	if phase < 1 {
		phase = 1
	}
	capturer := source.NewSynthetic(cfg.GetWidth(), cfg.GetHeight(), phase, cfg.GetFrames(), cfg.GetSeed())
	src := source.New(out, capturer, source.Options{
		FPS:         cfg.GetFPS(),
		Clock:       env.clock(),
		WaitReaders:   len(cfg.GetPipelines()),
		ReaderPoll:    flagInterval(cfg),
		ReaderTimeout: cfg.GetReaderTimeout(),
	})
	return src.Run(ctx)
}

func pipeline(cfg *config.Config, name string) (int, config.PipelineConfig, error) {
	for i, p := range cfg.GetPipelines() {
		if p.Name == name {
			return i, p, nil
		}
	}
	return 0, config.PipelineConfig{}, config.Errorf("pipelines", "no pipeline named %q", name)
}

// RunWorker runs the named pipeline against the frame channel.
func RunWorker(ctx context.Context, env Env, name string) (worker.Report, error) {
	cfg := env.Config
	i, p, err := pipeline(cfg, name)
	if err != nil {
		return worker.Report{Worker: name}, err
	}
	chain, err := stage.BuildChain(fmt.Sprintf("pipelines[%d].stages", i), p.Stages, env.stageEnv())
	if err != nil {
		return worker.Report{Worker: name}, err
	}
	stage.Describe(name, chain)

	opts := channelOptions(cfg)
	opts.Capacity = cfg.GetSnapshotCapacity()
	out, err := shm.Create(PartialTopic(name), opts)
	if err != nil {
		return worker.Report{Worker: name}, err
	}
	in, err := shm.OpenWait(ctx, TopicFrames, channelOptions(cfg))
	if err != nil {
		out.Close()
		return worker.Report{Worker: name}, ignoreCancelled(ctx, err)
	}
	defer in.Close()
	wk := worker.New(name, chain, in, out, env.clock())
	wk.Delay = p.GetDelay()
	return wk.Run(ctx)
}

// RunControl plans and steers from the control channel.
func RunControl(ctx context.Context, env Env) (control.Stats, error) {
	cfg := env.Config
	sink, err := actuator.FromConfig(cfg)
	if err != nil {
		return control.Stats{}, err
	}
	defer sink.Close()

	opts := channelOptions(cfg)
	opts.Capacity = 4096
	commands, err := shm.Create(TopicCommands, opts)
	if err != nil {
		return control.Stats{}, err
	}
	in, err := shm.OpenWait(ctx, TopicControl, channelOptions(cfg))
	if err != nil {
		commands.Close()
		return control.Stats{}, ignoreCancelled(ctx, err)
	}
	defer in.Close()

	copts := control.OptionsFromConfig(cfg)
	copts.Clock = env.clock()
	loop, err := control.New(in, sink, commands, copts)
	if err != nil {
		commands.Close()
		return control.Stats{}, err
	}
	return loop.Run(ctx)
}

// RunRecorder stores the recording channel in the configured database.
func RunRecorder(ctx context.Context, env Env) (recorder.Stats, error) {
	cfg := env.Config
	store, err := recorder.Open(cfg.GetRecorderDBPath())
	if err != nil {
		return recorder.Stats{}, err
	}
	defer store.Close()

	if addr := cfg.GetRecorderListen(); addr != "" {
		stop, err := ServeDebug(addr, store.AttachAdminRoutes)
		if err != nil {
			return recorder.Stats{}, err
		}
		defer stop()
	}

	in, err := shm.OpenWait(ctx, TopicRecording, channelOptions(cfg))
	if err != nil {
		return recorder.Stats{}, ignoreCancelled(ctx, err)
	}
	defer in.Close()
	commands := openOptional(ctx, TopicCommands, cfg)
	if commands != nil {
		defer commands.Close()
	}

	data, err := configJSON(cfg)
	if err != nil {
		return recorder.Stats{}, err
	}
	return recorder.New(store, in, chanReader(commands), env.clock()).Run(ctx, data)
}

// VisualiserReport is the visualiser role's report.
type VisualiserReport struct {
	Published int    `json:"published"`
	Addr      string `json:"addr"`
}

// RunVisualiser streams summaries of the visualization channel over gRPC.
func RunVisualiser(ctx context.Context, env Env) (VisualiserReport, error) {
	cfg := env.Config
	pub := visualiser.NewPublisher(visualiser.Config{
		ListenAddr:   cfg.GetVisualiserListen(),
		ClientBuffer: cfg.GetClientBuffer(),
	})
	if err := pub.Start(); err != nil {
		return VisualiserReport{}, err
	}
	defer pub.Stop()
	rep := VisualiserReport{Addr: pub.Addr().String()}

	in, err := shm.OpenWait(ctx, TopicVisualisation, channelOptions(cfg))
	if err != nil {
		return rep, ignoreCancelled(ctx, err)
	}
	defer in.Close()
	commands := openOptional(ctx, TopicCommands, cfg)
	if commands != nil {
		defer commands.Close()
	}

	rep.Published, err = pub.Feed(ctx, in, chanReader(commands))
	return rep, err
}

// openOptional attaches to topic if its writer shows up within a second.
func openOptional(ctx context.Context, topic string, cfg *config.Config) *shm.Reader {
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r, err := shm.OpenWait(wctx, topic, channelOptions(cfg))
	if err != nil {
		logs.Diagf("running without %s: %v", topic, err)
		return nil
	}
	return r
}

// chanReader keeps a nil *shm.Reader from becoming a non-nil interface.
func chanReader(r *shm.Reader) recorder.ChannelReader {
	if r == nil {
		return nil
	}
	return r
}

func configJSON(cfg *config.Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}

func ignoreCancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
