package ipc

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Control-plane messages sent by the child.
const (
	MsgHello uint32 = iota + 1
	MsgShutdownRequest
	MsgDumpHandlesDone
	MsgSuddenTerminationChanged
	MsgUserMetricsRecordAction
	MsgSavedPage
)

// Control-plane messages sent by the host.
const (
	MsgShutdown uint32 = iota + 100
	MsgDumpHandles
	MsgSetProcessID
)

// Routed messages.
const (
	// MsgProcessGone is synthesized by the host and delivered to every
	// endpoint when the child disappears.
	MsgProcessGone uint32 = iota + 200
	// MsgBuffersSwapped must be acknowledged even when its endpoint is gone.
	MsgBuffersSwapped
	// MsgFrameReady carries frame content a caller may wait for synchronously.
	MsgFrameReady
)

var typeNames = map[uint32]string{
	MsgHello:                    "hello",
	MsgShutdownRequest:          "shutdown_request",
	MsgDumpHandlesDone:          "dump_handles_done",
	MsgSuddenTerminationChanged: "sudden_termination_changed",
	MsgUserMetricsRecordAction:  "user_metrics_record_action",
	MsgSavedPage:                "saved_page",
	MsgShutdown:                 "shutdown",
	MsgDumpHandles:              "dump_handles",
	MsgSetProcessID:             "set_process_id",
	MsgProcessGone:              "process_gone",
	MsgBuffersSwapped:           "buffers_swapped",
	MsgFrameReady:               "frame_ready",
}

// TypeName returns a readable name for logs and metric labels.
func TypeName(t uint32) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type_%d", t)
}

// Hello is the first frame a child sends after connecting.
type Hello struct {
	PID   int32  `json:"pid"`
	Nonce string `json:"nonce"`
}

// SuddenTermination toggles whether the child may be killed without unload.
type SuddenTermination struct {
	Allowed bool `json:"allowed"`
}

// UserAction records a named user action observed by the child.
type UserAction struct {
	Action string `json:"action"`
}

// SavedPage reports completion of a page serialization job.
type SavedPage struct {
	JobID    int32 `json:"job_id"`
	DataSize int64 `json:"data_size"`
}

// ProcessID tells the child which host id it runs under.
type ProcessID struct {
	HostID int32 `json:"host_id"`
}

// ProcessGone describes why the child went away.
type ProcessGone struct {
	Status     int32  `json:"status"`
	StatusName string `json:"status_name"`
	ExitCode   int32  `json:"exit_code"`
}

// BuffersSwapped is the payload of MsgBuffersSwapped.
type BuffersSwapped struct {
	RouteID   int32  `json:"route_id"`
	GPUHostID int32  `json:"gpu_host_id"`
	Surface   uint64 `json:"surface"`
}

// EncodePayload serializes a control payload.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// MustEncodePayload is EncodePayload for payload types that cannot fail.
func MustEncodePayload(v interface{}) []byte {
	data, err := EncodePayload(v)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodePayload deserializes the payload of env into v.
func DecodePayload(env *Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty: %w", TypeName(env.Type), ErrMalformedPayload)
	}
	if err := sonic.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: %v: %w", TypeName(env.Type), err, ErrMalformedPayload)
	}
	return nil
}

// NewProcessGone builds the synthetic notification for one endpoint.
func NewProcessGone(routingID int32, gone ProcessGone) *Envelope {
	return NewMessage(routingID, MsgProcessGone, MustEncodePayload(gone))
}
