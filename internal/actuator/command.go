// Package actuator delivers control commands to the vehicle. Every sink is
// fronted by a latest-value mailbox so a slow or dead link never stalls the
// control loop.
package actuator

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Command is one control cycle's output.
type Command struct {
	Directive     string        `msgpack:"directive"`
	PauseFor      time.Duration `msgpack:"pause_for,omitempty"`
	HeadingError  *float64      `msgpack:"heading_error,omitempty"`
	LateralOffset *float64      `msgpack:"lateral_offset,omitempty"`
	Steering      float64       `msgpack:"steering"`
	Speed         float64       `msgpack:"speed"`
	FrameVersion  uint64        `msgpack:"frame_version"`
	IssuedAt      time.Time     `msgpack:"issued_at"`
}

// Encode serialises c for the commands channel.
func (c Command) Encode() ([]byte, error) { return msgpack.Marshal(&c) }

// DecodeCommand parses a commands channel payload.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	err := msgpack.Unmarshal(data, &c)
	return c, err
}

// vehicleMessage is the JSON body the vehicle firmware expects.
type vehicleMessage struct {
	Action               string   `json:"action"`
	PauseMillis          int64    `json:"pause_ms,omitempty"`
	HeadingErrorDegrees  *float64 `json:"heading_error_degrees"`
	LateralOffset        *float64 `json:"lateral_offset"`
	Steering             float64  `json:"steering"`
	Speed                float64  `json:"speed"`
	ObservedAcceleration float64  `json:"observed_acceleration"`
	FrameVersion         uint64   `json:"frame_version"`
}

// MarshalVehicleJSON renders c as the vehicle's JSON message.
func (c Command) MarshalVehicleJSON() ([]byte, error) {
	return json.Marshal(vehicleMessage{
		Action:              c.Directive,
		PauseMillis:         c.PauseFor.Milliseconds(),
		HeadingErrorDegrees: c.HeadingError,
		LateralOffset:       c.LateralOffset,
		Steering:            c.Steering,
		Speed:               c.Speed,
		FrameVersion:        c.FrameVersion,
	})
}
