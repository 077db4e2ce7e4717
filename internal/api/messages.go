package api

import (
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/sampler"
)

// Message types exchanged over the WebSocket.
const (
	TypeHello = "hello"
	TypeStats = "stats"
	TypeProcs = "procs"
	TypeError = "error"
	TypePing  = "ping"
	TypePong  = "pong"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string             `json:"type"`
	IntervalMS int64              `json:"interval_ms"`
	Backend    string             `json:"backend"`
	Device     monitor.StaticInfo `json:"device"`
	Features   map[string]bool    `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, backend string, device monitor.StaticInfo, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		Backend:    backend,
		Device:     device,
		Features:   features,
	}
}

// StatsMessage carries the metrics of one snapshot.
type StatsMessage struct {
	Type    string         `json:"type"`
	Backend string         `json:"backend"`
	TS      string         `json:"ts"`
	Metrics monitor.Sample `json:"metrics"`
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(snapshot sampler.Snapshot) StatsMessage {
	return StatsMessage{
		Type:    TypeStats,
		Backend: snapshot.Backend,
		TS:      snapshot.CollectedAt.Format(timeFormat),
		Metrics: snapshot.Metrics,
	}
}

// ProcsMessage carries the GPU-resident processes of one snapshot.
type ProcsMessage struct {
	Type      string            `json:"type"`
	TS        string            `json:"ts"`
	Processes []monitor.Process `json:"processes"`
}

// NewProcsMessage constructs a procs payload. A nil list is sent as [].
func NewProcsMessage(snapshot sampler.Snapshot) ProcsMessage {
	procs := snapshot.Processes
	if procs == nil {
		procs = []monitor.Process{}
	}
	return ProcsMessage{
		Type:      TypeProcs,
		TS:        snapshot.CollectedAt.Format(timeFormat),
		Processes: procs,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
