package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/banshee-data/drivepipe/internal/security"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/source"
)

// Config is the root startup configuration. Every field is optional; the
// Get* accessors return the default for anything left unset, so partial
// files are safe.
type Config struct {
	Channels    ChannelsConfig    `toml:"channels"`
	Source      SourceConfig      `toml:"source"`
	Planner     PlannerConfig     `toml:"planner"`
	Steering    SteeringConfig    `toml:"steering"`
	Actuator    ActuatorConfig    `toml:"actuator"`
	Recorder    RecorderConfig    `toml:"recorder"`
	Visualiser  VisualiserConfig  `toml:"visualiser"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	Logging     LoggingConfig     `toml:"logging"`
	Pipelines   []PipelineConfig  `toml:"pipelines"`
}

// ChannelsConfig sizes and names the shared-memory channels.
type ChannelsConfig struct {
	Dir              *string `toml:"dir"`
	FrameCapacity    *int    `toml:"frame_capacity"`    // bytes
	SnapshotCapacity *int    `toml:"snapshot_capacity"` // bytes
	PollInterval     *string `toml:"poll_interval"`     // duration string like "2ms"
	DrainTimeout     *string `toml:"drain_timeout"`
	IdleInterval     *string `toml:"idle_interval"` // aggregator sleep when nothing arrived
	ControlPolicy    *string `toml:"control_policy"`
	RecordingPolicy  *string `toml:"recording_policy"`
}

// SourceConfig controls frame capture and pacing.
type SourceConfig struct {
	FPS      *float64 `toml:"fps"`
	Width    *int     `toml:"width"`
	Height   *int     `toml:"height"`
	Strategy *string  `toml:"strategy"` // live, fastest, all
	Frames   *int     `toml:"frames"`   // 0 = unlimited
	Seed     *int64   `toml:"seed"`
	// ReaderTimeout bounds how long the first frame waits for every worker.
	ReaderTimeout *string `toml:"reader_timeout"`
}

// PlannerConfig holds the behaviour planner thresholds.
type PlannerConfig struct {
	SignThreshold         *float64 `toml:"sign_threshold"`
	PedestrianThreshold   *float64 `toml:"pedestrian_threshold"`
	TrafficLightThreshold *float64 `toml:"traffic_light_threshold"`
	FixedPause            *string  `toml:"fixed_pause"`
}

// SteeringConfig holds the PID gains and steering mix.
type SteeringConfig struct {
	Kp            *float64 `toml:"kp"`
	Ki            *float64 `toml:"ki"`
	Kd            *float64 `toml:"kd"`
	HeadingWeight *float64 `toml:"heading_weight"`
	LateralWeight *float64 `toml:"lateral_weight"`
	OutputMin     *float64 `toml:"output_min"`
	OutputMax     *float64 `toml:"output_max"`
	Speed         *float64 `toml:"speed"`
}

// ActuatorConfig selects where directives go.
type ActuatorConfig struct {
	Kind         *string `toml:"kind"` // log, serial, http, none
	SerialPort   *string `toml:"serial_port"`
	BaudRate     *int    `toml:"baud_rate"`
	DataBits     *int    `toml:"data_bits"`
	StopBits     *int    `toml:"stop_bits"`
	Parity       *string `toml:"parity"`
	URL          *string `toml:"url"`
	FailureLimit *int    `toml:"failure_limit"`
	Timeout      *string `toml:"timeout"`
}

// RecorderConfig controls the sqlite recording sink.
type RecorderConfig struct {
	Enabled *bool   `toml:"enabled"`
	DBPath  *string `toml:"db_path"`
	Listen  *string `toml:"listen"`
}

// VisualiserConfig controls the gRPC snapshot stream.
type VisualiserConfig struct {
	Enabled      *bool   `toml:"enabled"`
	Listen       *string `toml:"listen"`
	ClientBuffer *int    `toml:"client_buffer"`
}

// DiagnosticsConfig controls shutdown reports and the debug endpoint.
type DiagnosticsConfig struct {
	ReportDir   *string `toml:"report_dir"`
	DebugListen *string `toml:"debug_listen"`
}

// LoggingConfig sets the destination of each log stream: "stderr",
// "stdout", "json", "off", or a file path.
type LoggingConfig struct {
	Ops   *string `toml:"ops"`
	Diag  *string `toml:"diag"`
	Trace *string `toml:"trace"`
}

// PipelineConfig is one worker: a name and its ordered stages. Each stage
// table carries "kind" plus that kind's parameters.
type PipelineConfig struct {
	Name   string                   `toml:"name"`
	Stages []map[string]interface{} `toml:"stages"`
	// Delay slows every frame of this worker, e.g. "40ms".
	Delay string `toml:"delay,omitempty"`
}

// GetDelay returns the per-frame delay, zero when unset.
func (p PipelineConfig) GetDelay() time.Duration {
	return durationOr(&p.Delay, 0)
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Load reads a TOML configuration file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, &StartupConfigError{Field: "config", Reason: strings.TrimSpace(strict.String())}
		}
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c as TOML to path so another process can Load the same
// configuration.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Default returns an empty configuration; every accessor yields its default.
func Default() *Config {
	return &Config{}
}

// Validate checks values that are set. Stage parameters are checked when the
// chain is built, also before any process starts.
func (c *Config) Validate() error {
	type named struct {
		field string
		value *string
	}
	durations := []named{
		{"channels.poll_interval", c.Channels.PollInterval},
		{"channels.drain_timeout", c.Channels.DrainTimeout},
		{"channels.idle_interval", c.Channels.IdleInterval},
		{"source.reader_timeout", c.Source.ReaderTimeout},
		{"planner.fixed_pause", c.Planner.FixedPause},
		{"actuator.timeout", c.Actuator.Timeout},
	}
	for i, p := range c.Pipelines {
		d := p.Delay
		durations = append(durations, named{fmt.Sprintf("pipelines[%d].delay", i), &d})
	}
	for _, d := range durations {
		if err := validateDuration(d.field, d.value); err != nil {
			return err
		}
	}

	for _, p := range []named{
		{"channels.control_policy", c.Channels.ControlPolicy},
		{"channels.recording_policy", c.Channels.RecordingPolicy},
	} {
		if p.value == nil {
			continue
		}
		if _, err := shm.ParsePolicy(*p.value); err != nil {
			return Errorf(p.field, "%v", err)
		}
	}

	if c.Channels.Dir != nil && *c.Channels.Dir == "" {
		return Errorf("channels.dir", "must not be empty")
	}
	if v := c.Channels.FrameCapacity; v != nil && *v <= 0 {
		return Errorf("channels.frame_capacity", "must be positive, got %d", *v)
	}
	if v := c.Channels.SnapshotCapacity; v != nil && *v <= 0 {
		return Errorf("channels.snapshot_capacity", "must be positive, got %d", *v)
	}

	if v := c.Source.FPS; v != nil && *v <= 0 {
		return Errorf("source.fps", "must be positive, got %g", *v)
	}
	if v := c.Source.Width; v != nil && *v <= 0 {
		return Errorf("source.width", "must be positive, got %d", *v)
	}
	if v := c.Source.Height; v != nil && *v <= 0 {
		return Errorf("source.height", "must be positive, got %d", *v)
	}
	if v := c.Source.Frames; v != nil && *v < 0 {
		return Errorf("source.frames", "must not be negative, got %d", *v)
	}
	if need := source.PayloadSize(c.GetWidth(), c.GetHeight()); c.GetFrameCapacity() < need {
		return Errorf("channels.frame_capacity", "%d bytes cannot hold a %dx%d frame (%d bytes)",
			c.GetFrameCapacity(), c.GetWidth(), c.GetHeight(), need)
	}
	if v := c.Source.Strategy; v != nil {
		switch *v {
		case "live", "fastest", "all":
		default:
			return Errorf("source.strategy", "unknown strategy %q: expected live, fastest or all", *v)
		}
	}

	for _, th := range []struct {
		field string
		value *float64
	}{
		{"planner.sign_threshold", c.Planner.SignThreshold},
		{"planner.pedestrian_threshold", c.Planner.PedestrianThreshold},
		{"planner.traffic_light_threshold", c.Planner.TrafficLightThreshold},
	} {
		if th.value != nil && *th.value <= 0 {
			return Errorf(th.field, "must be positive, got %g", *th.value)
		}
	}

	if c.GetOutputMin() >= c.GetOutputMax() {
		return Errorf("steering.output_min", "must be less than output_max (%g >= %g)", c.GetOutputMin(), c.GetOutputMax())
	}

	switch kind := c.GetActuatorKind(); kind {
	case "log", "none":
	case "serial":
		if c.GetSerialPort() == "" {
			return Errorf("actuator.serial_port", "is required for the serial actuator")
		}
	case "http":
		if c.GetActuatorURL() == "" {
			return Errorf("actuator.url", "is required for the http actuator")
		}
	default:
		return Errorf("actuator.kind", "unknown actuator %q: expected log, serial, http or none", kind)
	}
	if v := c.Actuator.FailureLimit; v != nil && *v <= 0 {
		return Errorf("actuator.failure_limit", "must be positive, got %d", *v)
	}
	if v := c.Visualiser.ClientBuffer; v != nil && *v <= 0 {
		return Errorf("visualiser.client_buffer", "must be positive, got %d", *v)
	}

	seen := make(map[string]bool)
	for i, p := range c.Pipelines {
		field := fmt.Sprintf("pipelines[%d]", i)
		if err := security.ValidateName(p.Name); err != nil {
			return Errorf(field+".name", "%v", err)
		}
		if seen[p.Name] {
			return Errorf(field+".name", "duplicate pipeline %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Stages) == 0 {
			return Errorf(field+".stages", "pipeline %q has no stages", p.Name)
		}
		for j, st := range p.Stages {
			if _, ok := st["kind"].(string); !ok {
				return Errorf(fmt.Sprintf("%s.stages[%d].kind", field, j), "missing or not a string")
			}
		}
	}
	return nil
}

func validateDuration(field string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	v, err := time.ParseDuration(*s)
	if err != nil {
		return Errorf(field, "invalid duration %q: %v", *s, err)
	}
	if v < 0 {
		return Errorf(field, "must not be negative, got %s", v)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetChannelDir returns the channel directory or the platform default.
func (c *Config) GetChannelDir() string {
	if c.Channels.Dir == nil {
		return shm.DefaultDir
	}
	return *c.Channels.Dir
}

// GetFrameCapacity defaults to one RGB frame plus encoding headroom.
func (c *Config) GetFrameCapacity() int {
	if c.Channels.FrameCapacity == nil {
		return c.GetWidth()*c.GetHeight()*3 + 64*1024
	}
	return *c.Channels.FrameCapacity
}

// GetSnapshotCapacity sizes worker and downstream channels, which carry the
// frame plus detections.
func (c *Config) GetSnapshotCapacity() int {
	if c.Channels.SnapshotCapacity == nil {
		return c.GetFrameCapacity() + 256*1024
	}
	return *c.Channels.SnapshotCapacity
}

func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.Channels.PollInterval, 2*time.Millisecond)
}

func (c *Config) GetDrainTimeout() time.Duration {
	return durationOr(c.Channels.DrainTimeout, 2*time.Second)
}

func (c *Config) GetIdleInterval() time.Duration {
	return durationOr(c.Channels.IdleInterval, time.Millisecond)
}

// GetControlPolicy returns the control channel wait policy, default none.
func (c *Config) GetControlPolicy() shm.WaitPolicy {
	return policyOr(c.Channels.ControlPolicy, shm.PolicyNone)
}

// GetRecordingPolicy returns the recording channel wait policy, default all.
func (c *Config) GetRecordingPolicy() shm.WaitPolicy {
	return policyOr(c.Channels.RecordingPolicy, shm.All())
}

func policyOr(s *string, def shm.WaitPolicy) shm.WaitPolicy {
	if s == nil {
		return def
	}
	p, err := shm.ParsePolicy(*s)
	if err != nil {
		return def
	}
	return p
}

func (c *Config) GetFPS() float64 {
	if c.Source.FPS == nil {
		return 60
	}
	return *c.Source.FPS
}

func (c *Config) GetWidth() int {
	if c.Source.Width == nil {
		return 1280
	}
	return *c.Source.Width
}

func (c *Config) GetHeight() int {
	if c.Source.Height == nil {
		return 720
	}
	return *c.Source.Height
}

// GetStrategy returns the frame source gating strategy, default live.
func (c *Config) GetStrategy() string {
	if c.Source.Strategy == nil {
		return "live"
	}
	return *c.Source.Strategy
}

// GetFrames returns the frame budget, 0 meaning unlimited.
func (c *Config) GetFrames() int {
	if c.Source.Frames == nil {
		return 0
	}
	return *c.Source.Frames
}

func (c *Config) GetSeed() int64 {
	if c.Source.Seed == nil {
		return 1
	}
	return *c.Source.Seed
}

func (c *Config) GetSignThreshold() float64 {
	if c.Planner.SignThreshold == nil {
		return 100
	}
	return *c.Planner.SignThreshold
}

func (c *Config) GetPedestrianThreshold() float64 {
	if c.Planner.PedestrianThreshold == nil {
		return 100
	}
	return *c.Planner.PedestrianThreshold
}

func (c *Config) GetTrafficLightThreshold() float64 {
	if c.Planner.TrafficLightThreshold == nil {
		return 100
	}
	return *c.Planner.TrafficLightThreshold
}

// GetReaderTimeout defaults to 10s.
func (c *Config) GetReaderTimeout() time.Duration {
	return durationOr(c.Source.ReaderTimeout, 10*time.Second)
}

func (c *Config) GetFixedPause() time.Duration {
	return durationOr(c.Planner.FixedPause, 3*time.Second)
}

func (c *Config) GetKp() float64 {
	if c.Steering.Kp == nil {
		return 0.5
	}
	return *c.Steering.Kp
}

func (c *Config) GetKi() float64 {
	if c.Steering.Ki == nil {
		return 0
	}
	return *c.Steering.Ki
}

func (c *Config) GetKd() float64 {
	if c.Steering.Kd == nil {
		return 0.1
	}
	return *c.Steering.Kd
}

func (c *Config) GetHeadingWeight() float64 {
	if c.Steering.HeadingWeight == nil {
		return 0.75
	}
	return *c.Steering.HeadingWeight
}

func (c *Config) GetLateralWeight() float64 {
	if c.Steering.LateralWeight == nil {
		return 1.35
	}
	return *c.Steering.LateralWeight
}

func (c *Config) GetOutputMin() float64 {
	if c.Steering.OutputMin == nil {
		return -1
	}
	return *c.Steering.OutputMin
}

func (c *Config) GetOutputMax() float64 {
	if c.Steering.OutputMax == nil {
		return 1
	}
	return *c.Steering.OutputMax
}

// GetSpeed returns the longitudinal velocity sent with every command.
func (c *Config) GetSpeed() float64 {
	if c.Steering.Speed == nil {
		return 1.0
	}
	return *c.Steering.Speed
}

func (c *Config) GetActuatorKind() string {
	if c.Actuator.Kind == nil {
		return "log"
	}
	return *c.Actuator.Kind
}

func (c *Config) GetSerialPort() string {
	if c.Actuator.SerialPort == nil {
		return ""
	}
	return *c.Actuator.SerialPort
}

func (c *Config) GetActuatorURL() string {
	if c.Actuator.URL == nil {
		return ""
	}
	return *c.Actuator.URL
}

// GetFailureLimit returns how many consecutive HTTP failures disable the sink.
func (c *Config) GetFailureLimit() int {
	if c.Actuator.FailureLimit == nil {
		return 10
	}
	return *c.Actuator.FailureLimit
}

func (c *Config) GetActuatorTimeout() time.Duration {
	return durationOr(c.Actuator.Timeout, 200*time.Millisecond)
}

// Serial port options left at zero are defaulted by the serial sink.
func (c *Config) GetBaudRate() int {
	if c.Actuator.BaudRate == nil {
		return 0
	}
	return *c.Actuator.BaudRate
}

func (c *Config) GetDataBits() int {
	if c.Actuator.DataBits == nil {
		return 0
	}
	return *c.Actuator.DataBits
}

func (c *Config) GetStopBits() int {
	if c.Actuator.StopBits == nil {
		return 0
	}
	return *c.Actuator.StopBits
}

func (c *Config) GetParity() string {
	if c.Actuator.Parity == nil {
		return ""
	}
	return *c.Actuator.Parity
}

func (c *Config) GetRecorderEnabled() bool {
	if c.Recorder.Enabled == nil {
		return false
	}
	return *c.Recorder.Enabled
}

func (c *Config) GetRecorderDBPath() string {
	if c.Recorder.DBPath == nil {
		return "drivepipe.db"
	}
	return *c.Recorder.DBPath
}

// GetRecorderListen returns the admin HTTP address, empty to disable.
func (c *Config) GetRecorderListen() string {
	if c.Recorder.Listen == nil {
		return ""
	}
	return *c.Recorder.Listen
}

func (c *Config) GetVisualiserEnabled() bool {
	if c.Visualiser.Enabled == nil {
		return false
	}
	return *c.Visualiser.Enabled
}

func (c *Config) GetVisualiserListen() string {
	if c.Visualiser.Listen == nil {
		return "localhost:50051"
	}
	return *c.Visualiser.Listen
}

func (c *Config) GetClientBuffer() int {
	if c.Visualiser.ClientBuffer == nil {
		return 8
	}
	return *c.Visualiser.ClientBuffer
}

// GetReportDir returns where shutdown charts are written, empty to skip.
func (c *Config) GetReportDir() string {
	if c.Diagnostics.ReportDir == nil {
		return ""
	}
	return *c.Diagnostics.ReportDir
}

// GetDebugListen returns the metrics/debug HTTP address, empty to disable.
func (c *Config) GetDebugListen() string {
	if c.Diagnostics.DebugListen == nil {
		return ""
	}
	return *c.Diagnostics.DebugListen
}

func (c *Config) GetLogOps() string {
	if c.Logging.Ops == nil {
		return "stderr"
	}
	return *c.Logging.Ops
}

func (c *Config) GetLogDiag() string {
	if c.Logging.Diag == nil {
		return "stderr"
	}
	return *c.Logging.Diag
}

func (c *Config) GetLogTrace() string {
	if c.Logging.Trace == nil {
		return "off"
	}
	return *c.Logging.Trace
}

// GetPipelines returns the configured pipelines or the default four.
func (c *Config) GetPipelines() []PipelineConfig {
	if len(c.Pipelines) == 0 {
		return DefaultPipelines()
	}
	return c.Pipelines
}

// DefaultPipelines is the lane, sign, light and pedestrian split of the
// reference vehicle.
func DefaultPipelines() []PipelineConfig {
	return []PipelineConfig{
		{Name: "lanes", Stages: []map[string]interface{}{
			{"kind": "grayscale"},
			{"kind": "blur", "kernel_size": int64(5)},
			{"kind": "canny_edge", "low_threshold": 50.0, "high_threshold": 150.0},
			{"kind": "roi", "roi_type": "lines"},
			{"kind": "lane_detect"},
			{"kind": "heading_error"},
		}},
		{Name: "signs", Stages: []map[string]interface{}{
			{"kind": "signs_detect", "model": "synthetic"},
		}},
		{Name: "lights", Stages: []map[string]interface{}{
			{"kind": "traffic_light_detect", "model": "synthetic"},
		}},
		{Name: "pedestrians", Stages: []map[string]interface{}{
			{"kind": "pedestrian_detect", "model": "synthetic"},
		}},
	}
}
