package relay

import "peer-chat/domain"

type Op string

const (
	OpPublish      Op = "publish"
	OpPublishArmed Op = "publish_armed"
	OpSubscribe    Op = "subscribe"
	OpSubscribeLog Op = "subscribe_log"
	OpUnsubscribe  Op = "unsubscribe"
	OpAppend       Op = "append"
	OpAck          Op = "ack"
	OpChange       Op = "change"
)

// Frame is the JSON unit exchanged on the relay socket.
// Requests carry an ID echoed by their ack; subscriptions are identified by
// the client-chosen Sub, which is also set on every change frame.
type Frame struct {
	Op           Op     `json:"op"`
	ID           uint64 `json:"id,omitempty"`
	Sub          uint64 `json:"sub,omitempty"`
	Key          string `json:"key,omitempty"`
	Value        []byte `json:"value,omitempty"`
	OnDisconnect []byte `json:"on_disconnect,omitempty"`
	Exists       bool   `json:"exists,omitempty"`
	Seq          uint64 `json:"seq,omitempty"`
	Error        string `json:"error,omitempty"`
}

func changeFrame(sub uint64, change domain.Change) Frame {
	return Frame{
		Op:     OpChange,
		Sub:    sub,
		Key:    change.Key,
		Value:  change.Value,
		Exists: change.Exists,
		Seq:    change.Seq,
	}
}

func (f Frame) change() domain.Change {
	return domain.Change{Key: f.Key, Value: f.Value, Exists: f.Exists, Seq: f.Seq}
}
