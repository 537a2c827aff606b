// Package websocket carries transport commands, results and data over a
// websocket connection, so a session can drive components living in another
// process.
package websocket

import "github.com/koscakluka/ema-agent/core/transport"

type frameKind string

const (
	frameCommand frameKind = "cmd"
	frameCancel  frameKind = "cancel"
	frameData    frameKind = "data"
	frameResult  frameKind = "result"
)

type frame struct {
	Kind      frameKind          `json:"kind"`
	CommandID string             `json:"cmd_id,omitempty"`
	Command   *transport.Command `json:"command,omitempty"`
	Data      *transport.Data    `json:"data,omitempty"`
	Result    *transport.Result  `json:"result,omitempty"`
}
