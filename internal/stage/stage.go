// Package stage holds the closed set of filter-stage kinds a worker can run,
// their typed parameters, and the loader that turns configuration tables
// into a validated chain.
//
// Stages communicate through the snapshot: preprocessing stages write the
// worker-private Scratch image, detection stages write their own
// observation category and nothing else.
package stage

import (
	"fmt"
	"sort"

	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// Kind names a stage implementation.
type Kind string

const (
	Grayscale          Kind = "grayscale"
	Blur               Kind = "blur"
	Dilation           Kind = "dilation"
	CannyEdge          Kind = "canny_edge"
	ROI                Kind = "roi"
	LaneDetect         Kind = "lane_detect"
	HeadingError       Kind = "heading_error"
	SignsDetect        Kind = "signs_detect"
	TrafficLightDetect Kind = "traffic_light_detect"
	PedestrianDetect   Kind = "pedestrian_detect"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{Grayscale, Blur, Dilation, CannyEdge, ROI, LaneDetect, HeadingError,
		SignsDetect, TrafficLightDetect, PedestrianDetect}
}

// Stage is one step of a worker's chain. Process writes only the fields the
// kind owns; it may keep private state between calls.
type Stage interface {
	Kind() Kind
	Process(s *snapshot.Snapshot) error
}

// Env carries what stages need beyond their parameters.
type Env struct {
	Width  int
	Height int
	// Lines finds line segments in an edge image. Nil selects ScanlineDetector.
	Lines LineDetector
	// Detectors builds object detectors. Nil selects SyntheticDetectors.
	Detectors DetectorFactory
}

func (e Env) lines() LineDetector {
	if e.Lines != nil {
		return e.Lines
	}
	return ScanlineDetector{}
}

func (e Env) detectors() DetectorFactory {
	if e.Detectors != nil {
		return e.Detectors
	}
	return SyntheticDetectors
}

// Build constructs one stage from its configuration table. field is the
// configuration path used in error reports, such as "pipelines[0].stages[2]".
func Build(field string, table map[string]interface{}, env Env) (Stage, error) {
	p := newParams(field, table)
	name, ok := table["kind"].(string)
	if !ok {
		return nil, config.Errorf(field+".kind", "missing or not a string")
	}
	p.used["kind"] = true
	kind := Kind(name)

	var (
		st  Stage
		err error
	)
	switch kind {
	case Grayscale:
		st = &grayscaleStage{visualize: p.bool("visualize", false)}
	case Blur:
		st, err = newBlur(p)
	case Dilation:
		st, err = newDilation(p)
	case CannyEdge:
		st, err = newCanny(p)
	case ROI:
		st, err = newROI(p, env)
	case LaneDetect:
		st, err = newLaneDetect(p, env)
	case HeadingError:
		st = &headingStage{visualize: p.bool("visualize", false)}
	case SignsDetect, TrafficLightDetect, PedestrianDetect:
		st, err = newDetect(kind, p, env)
	default:
		return nil, config.Errorf(field+".kind", "unknown stage kind %q", name)
	}
	if err != nil {
		return nil, err
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return st, nil
}

// BuildChain constructs the stages of one pipeline in order.
func BuildChain(field string, tables []map[string]interface{}, env Env) ([]Stage, error) {
	if len(tables) == 0 {
		return nil, config.Errorf(field, "no stages")
	}
	chain := make([]Stage, 0, len(tables))
	for i, t := range tables {
		st, err := Build(fmt.Sprintf("%s[%d]", field, i), t, env)
		if err != nil {
			return nil, err
		}
		chain = append(chain, st)
	}
	return chain, nil
}

// params reads typed values out of a stage table and remembers which keys
// were consumed so leftovers can be rejected.
type params struct {
	field string
	table map[string]interface{}
	used  map[string]bool
	err   error
}

func newParams(field string, table map[string]interface{}) *params {
	return &params{field: field, table: table, used: make(map[string]bool)}
}

func (p *params) fail(key, format string, args ...interface{}) {
	if p.err == nil {
		p.err = config.Errorf(p.field+"."+key, format, args...)
	}
}

func (p *params) lookup(key string) (interface{}, bool) {
	p.used[key] = true
	v, ok := p.table[key]
	return v, ok
}

func (p *params) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	p.fail(key, "expected a number, got %T", v)
	return def
}

func (p *params) int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	p.fail(key, "expected an integer, got %v", v)
	return def
}

func (p *params) bool(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, isBool := v.(bool)
	if !isBool {
		p.fail(key, "expected a boolean, got %T", v)
		return def
	}
	return b
}

func (p *params) string(key, def string) string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	s, isString := v.(string)
	if !isString {
		p.fail(key, "expected a string, got %T", v)
		return def
	}
	return s
}

// finish reports the first conversion error or the first unconsumed key.
func (p *params) finish() error {
	if p.err != nil {
		return p.err
	}
	var extra []string
	for k := range p.table {
		if !p.used[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return config.Errorf(p.field+"."+extra[0], "unexpected parameter for %s", p.table["kind"])
	}
	return nil
}
