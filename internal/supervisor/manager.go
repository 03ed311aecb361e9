package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/drivepipe/internal/aggregator"
	"github.com/banshee-data/drivepipe/internal/diagnostics"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/stage"
	"github.com/banshee-data/drivepipe/internal/worker"
)

// DefaultStartupTimeout bounds how long the manager waits for every worker
// to create its output channel.
const DefaultStartupTimeout = 10 * time.Second

// Manager runs the aggregator and supervises every other role of a run.
type Manager struct {
	env      Env
	launcher Launcher

	StartupTimeout time.Duration
	// JoinGrace is how long children may keep draining after the merge loop
	// ends before the run flag is cleared. Default the channel drain timeout.
	JoinGrace time.Duration
}

// NewManager returns a manager launching roles through l.
func NewManager(env Env, l Launcher) *Manager {
	return &Manager{env: env, launcher: l, StartupTimeout: DefaultStartupTimeout}
}

// Summary is the outcome of a run.
type Summary struct {
	RunID     string
	Results   []Result
	Workers   []worker.Report
	Cadence   map[string]aggregator.Cadence
	Canonical *snapshot.Snapshot
	// Charts lists the diagnostics files written.
	Charts []string
}

// Err joins the errors of every role that failed.
func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Spec, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Result returns the first result for spec.
func (s Summary) Result(spec Spec) (Result, bool) {
	for _, r := range s.Results {
		if r.Spec == spec {
			return r, true
		}
	}
	return Result{}, false
}

// Specs lists the roles launched for the configuration, in start order.
// Consumers start first so no producer waits on a missing reader.
func (m *Manager) Specs() []Spec {
	cfg := m.env.Config
	specs := []Spec{{Role: RoleControl}}
	if cfg.GetRecorderEnabled() {
		specs = append(specs, Spec{Role: RoleRecorder})
	}
	if cfg.GetVisualiserEnabled() {
		specs = append(specs, Spec{Role: RoleVisualiser})
	}
	for _, p := range cfg.GetPipelines() {
		specs = append(specs, Spec{Role: RoleWorker, Name: p.Name})
	}
	return append(specs, Spec{Role: RoleSource})
}

// validate rejects bad configuration before anything starts.
func (m *Manager) validate() error {
	cfg := m.env.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	for i, p := range cfg.GetPipelines() {
		if _, err := stage.BuildChain(fmt.Sprintf("pipelines[%d].stages", i), p.Stages, m.env.stageEnv()); err != nil {
			return err
		}
	}
	return nil
}

// removeStale unlinks channel files left behind by a run that crashed.
func (m *Manager) removeStale(dir string) {
	topics := []string{RunFlagName, TopicFrames, TopicControl, TopicRecording, TopicVisualisation, TopicCommands}
	for _, p := range m.env.Config.GetPipelines() {
		topics = append(topics, PartialTopic(p.Name))
	}
	for _, t := range topics {
		if err := os.Remove(shm.Path(dir, t)); err == nil {
			logs.Opsf("removed stale channel %s", t)
		}
	}
}

// Run executes one pipeline run: it creates the run flag and downstream
// channels, starts every role, merges partials until the workers finish or
// ctx is cancelled, then stops and joins the children. The error is a
// startup failure or an aggregator fault; role failures are in the summary.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	cfg := m.env.Config
	sum := Summary{RunID: uuid.NewString()}
	if err := m.validate(); err != nil {
		return sum, err
	}

	dir := cfg.GetChannelDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sum, fmt.Errorf("create channel directory: %w", err)
	}
	m.removeStale(dir)

	flag, err := shm.CreateRunFlag(dir, RunFlagName)
	if err != nil {
		return sum, fmt.Errorf("create run flag: %w", err)
	}
	defer flag.Close()
	stopOnCancel := context.AfterFunc(ctx, flag.Stop)
	defer stopOnCancel()
	logs.Opsf("run %s starting in %s", sum.RunID, dir)

	outputs, err := m.createOutputs()
	if err != nil {
		return sum, err
	}

	var (
		handles []Handle
		workers = make(map[string]Handle)
		readers []*shm.Reader
	)
	abort := func(err error) (Summary, error) {
		flag.Stop()
		closeAll(outputs)
		closeReaders(readers)
		sum.Results = m.join(handles, 0, flag)
		return sum, err
	}
	launch := func(spec Spec) error {
		h, err := m.launcher.Start(ctx, spec)
		if err != nil {
			return fmt.Errorf("launch %s: %w", spec, err)
		}
		handles = append(handles, h)
		if spec.Role == RoleWorker {
			workers[spec.Name] = h
		}
		return nil
	}

	// Workers create their output before waiting for frames, so the source
	// starts only once every worker channel is attached.
	var sources []Spec
	for _, spec := range m.Specs() {
		if spec.Role == RoleSource {
			sources = append(sources, spec)
			continue
		}
		if err := launch(spec); err != nil {
			return abort(err)
		}
	}
	inputs, readers, err := m.openInputs(ctx, workers)
	if err != nil {
		return abort(err)
	}
	for _, spec := range sources {
		if err := launch(spec); err != nil {
			return abort(err)
		}
	}
	defer closeReaders(readers)

	runCtx, cancel := flag.Context(ctx, flagInterval(cfg))
	defer cancel()
	agg := aggregator.New(inputs, outputs, cfg.GetIdleInterval(), m.env.clock())
	aggErr := agg.Run(runCtx)
	if aggErr != nil {
		flag.Stop()
	}
	sum.Cadence = agg.Cadence()
	sum.Canonical = agg.Canonical()

	grace := m.JoinGrace
	if grace <= 0 {
		grace = cfg.GetDrainTimeout()
	}
	sum.Results = m.join(handles, grace, flag)
	for _, r := range sum.Results {
		if r.Spec.Role != RoleWorker {
			continue
		}
		rep := worker.Report{Worker: r.Spec.Name}
		if len(r.Report) > 0 {
			if err := json.Unmarshal(r.Report, &rep); err != nil {
				logs.Opsf("%s: bad report: %v", r.Spec, err)
			}
		}
		sum.Workers = append(sum.Workers, rep)
	}
	if err := sum.Err(); err != nil {
		logs.Opsf("run %s: %v", sum.RunID, err)
	}

	if reportDir := cfg.GetReportDir(); reportDir != "" {
		charts, err := diagnostics.Write(reportDir, sum.RunID, sum.Workers)
		if err != nil {
			logs.Opsf("writing diagnostics: %v", err)
		}
		sum.Charts = charts
	}
	logs.Opsf("run %s finished", sum.RunID)
	return sum, aggErr
}

// createOutputs creates the channels the aggregator publishes on.
func (m *Manager) createOutputs() ([]aggregator.Publisher, error) {
	cfg := m.env.Config
	type out struct {
		topic   string
		policy  shm.WaitPolicy
		enabled bool
	}
	wanted := []out{
		{TopicControl, cfg.GetControlPolicy(), true},
		{TopicRecording, cfg.GetRecordingPolicy(), cfg.GetRecorderEnabled()},
		{TopicVisualisation, shm.PolicyNone, cfg.GetVisualiserEnabled()},
	}
	var outputs []aggregator.Publisher
	for _, o := range wanted {
		if !o.enabled {
			continue
		}
		opts := channelOptions(cfg)
		opts.Capacity = cfg.GetSnapshotCapacity()
		opts.Policy = o.policy
		w, err := shm.Create(o.topic, opts)
		if err != nil {
			closeAll(outputs)
			return nil, err
		}
		outputs = append(outputs, w)
	}
	return outputs, nil
}

// openInputs attaches to every worker's output channel. A worker that has
// already exited gets an input that reads as closed.
func (m *Manager) openInputs(ctx context.Context, workers map[string]Handle) ([]aggregator.Input, []*shm.Reader, error) {
	cfg := m.env.Config
	timeout := m.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		inputs  []aggregator.Input
		readers []*shm.Reader
	)
	for _, p := range cfg.GetPipelines() {
		h := workers[p.Name]
		r, err := openPartial(wctx, PartialTopic(p.Name), channelOptions(cfg), h)
		if err != nil {
			if exited(h) {
				logs.Opsf("worker %s exited before its channel was attached", p.Name)
				inputs = append(inputs, aggregator.Input{Name: p.Name, Reader: exitedWorker{}})
				continue
			}
			closeReaders(readers)
			return nil, nil, fmt.Errorf("worker %s did not start: %w", p.Name, err)
		}
		inputs = append(inputs, aggregator.Input{Name: p.Name, Reader: r})
		readers = append(readers, r)
	}
	return inputs, readers, nil
}

// openPartial waits for topic, giving up early once h has exited.
func openPartial(ctx context.Context, topic string, opts shm.Options, h Handle) (*shm.Reader, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h != nil {
		go func() {
			select {
			case <-h.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return shm.OpenWait(ctx, topic, opts)
}

func exited(h Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// exitedWorker stands in for the channel of a worker that ended before it
// could be opened.
type exitedWorker struct{}

func (exitedWorker) Read(context.Context, shm.ReadMode) (shm.Message, error) {
	return shm.Message{}, shm.ErrChannelClosed
}

func closeReaders(readers []*shm.Reader) {
	for _, r := range readers {
		r.Close()
	}
}

// join waits for every handle. Children still running after grace are told
// to stop through the run flag.
func (m *Manager) join(handles []Handle, grace time.Duration, flag *shm.RunFlag) []Result {
	results := make([]Result, len(handles))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, h := range handles {
			results[i] = h.Wait()
		}
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return results
	case <-timer.C:
		logs.Diagf("stopping children still running after %s", grace)
		flag.Stop()
	}
	<-done
	return results
}

func closeAll(outputs []aggregator.Publisher) {
	for _, o := range outputs {
		if err := o.Close(); err != nil {
			logs.Opsf("closing %s: %v", o.Topic(), err)
		}
	}
}
