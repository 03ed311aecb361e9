package shm

import "github.com/banshee-data/drivepipe/internal/monitoring"

var logs = monitoring.NewStreams("shm")
