// Package remote implements the TCP control protocol (spec.md §4.E/§4.F):
// one JSON object per line, envelope-versioned, so a RemoteClient and
// RemoteManager built from different fleetsched releases can still tell a
// version mismatch apart from a malformed message.
package remote

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ProtocolVersion is bumped whenever the Envelope's Type/Payload contract
// changes in a way older clients cannot parse.
const ProtocolVersion = 3

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// OpType names one request or response kind carried in an Envelope.
type OpType string

const (
	OpAllocateDevice     OpType = "ALLOCATE_DEVICE"
	OpFreeDevice         OpType = "FREE_DEVICE"
	OpAddCommand         OpType = "ADD_COMMAND"
	OpExecCommand        OpType = "EXEC_COMMAND"
	OpListDevices        OpType = "LIST_DEVICES"
	OpGetLastCommandResult OpType = "GET_LAST_COMMAND_RESULT"
	OpHandoverClose      OpType = "HANDOVER_CLOSE"
	OpClose              OpType = "CLOSE"

	OpOK    OpType = "OK"
	OpError OpType = "ERROR"
)

// Envelope is the single wire shape exchanged over the connection, one per
// line (D-RT-1): Type discriminates how Payload must be interpreted, and
// Version lets either side refuse a message it cannot safely decode instead
// of misinterpreting it.
type Envelope struct {
	Version int             `json:"version"`
	Type    OpType          `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload and wraps it in a versioned Envelope for opType.
// It does not serialize the Envelope itself: the caller's writer marshals it
// and appends the trailing newline, so Encode stays a pure function of its
// arguments.
func Encode(opType OpType, payload any) (Envelope, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("remote: encode %s payload: %w", opType, err)
	}
	return Envelope{Version: ProtocolVersion, Type: opType, Payload: raw}, nil
}

// DecodePayload unmarshals env's payload into out. Callers select out's
// concrete type by switching on env.Type.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := codec.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("remote: decode %s payload: %w", env.Type, err)
	}
	return nil
}

// AllocateDeviceRequest asks the manager to force-allocate the device named
// by Serial. An empty Serial does not select some other device: the
// allocation fails. TimeoutMillis is carried on the wire but the manager
// does not use it; the request never waits for a device to become free.
type AllocateDeviceRequest struct {
	Serial       string `json:"serial,omitempty"`
	TimeoutMillis int64 `json:"timeoutMillis"`
}

type AllocateDeviceResponse struct {
	Serial string `json:"serial"`
}

// FreeDeviceRequest releases a previously allocated device back to the pool
// in FreeState (one of FreeDeviceState's String() values).
type FreeDeviceRequest struct {
	Serial    string `json:"serial"`
	FreeState string `json:"freeState"`
}

// AddCommandRequest enqueues args to the shared priority queue, seeding the
// new command's tracker with Time (spec.md §6.1 "time: number (ms)") so a
// command transferred by the handover protocol keeps its accumulated
// priority instead of starting over at zero.
type AddCommandRequest struct {
	Args []string `json:"args"`
	Time int64    `json:"time"`
}

// AddCommandResponse reports the id of every command tracker the request
// produced: exactly one, unless --all-devices fanned the request out to one
// command per device (spec.md §4.G).
type AddCommandResponse struct {
	CommandIDs []int64 `json:"commandIds"`
}

// ExecCommandRequest runs args against an already-allocated Serial
// immediately, bypassing the queue.
type ExecCommandRequest struct {
	Serial string   `json:"serial"`
	Args   []string `json:"args"`
}

type ListDevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// DeviceInfo is the wire projection of fleetsched.DeviceDescriptor; it is
// redeclared here rather than imported so the wire schema does not silently
// change shape if the core type's JSON tags ever do (the codec round-trip
// law is checked against this type, not the core one).
type DeviceInfo struct {
	Serial         string `json:"serial"`
	IsStub         bool   `json:"isStub"`
	State          string `json:"state"`
	Product        string `json:"product"`
	ProductVariant string `json:"productVariant"`
	SdkVersion     string `json:"sdkVersion"`
	BuildID        string `json:"buildId"`
	BatteryLevel   int    `json:"batteryLevel"`
}

// GetLastCommandResultRequest asks for the most recently known status of
// whatever is (or was) running on Serial (spec.md §6.1: keyed by
// "serial: string", not by command id).
type GetLastCommandResultRequest struct {
	Serial string `json:"serial"`
}

// GetLastCommandResultResponse discriminates the five statuses of
// spec.md §4.E/§4.I: NO_ACTIVE_COMMAND, EXECUTING, NOT_ALLOCATED,
// INVOCATION_ERROR (with Error set) and INVOCATION_SUCCESS. FreeDeviceState
// is only populated once a terminal status has been recorded.
type GetLastCommandResultResponse struct {
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	FreeDeviceState string `json:"freeDeviceState,omitempty"`
}

// HandoverCloseRequest is sent by an incoming process taking over this
// one's device pool (spec.md §4.E handover protocol); Port is where the new
// process's own RemoteManager is already listening.
type HandoverCloseRequest struct {
	Port int `json:"port"`
}

// ErrorResponse carries a human-readable failure for any request the
// manager could not service.
type ErrorResponse struct {
	Message string `json:"message"`
}
