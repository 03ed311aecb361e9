package stage

import "github.com/banshee-data/drivepipe/internal/monitoring"

var logs = monitoring.NewStreams("stage")

// Describe logs the assembled chain of one pipeline on the diag stream.
func Describe(pipeline string, chain []Stage) {
	kinds := make([]string, len(chain))
	for i, st := range chain {
		kinds[i] = string(st.Kind())
	}
	logs.Diagf("pipeline %s: %d stages %v", pipeline, len(chain), kinds)
}
