//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"peer-chat/domain"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
	Wait()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is the UI-facing consumer of session events.
type EventSink interface {
	Consume(ctx context.Context, e domain.SessionEvent) error
}

type IRegistry interface {
	Sinks(targetID string) []EventSink
	Subscribe(listenerID, targetID string, sink EventSink)
	Unsubscribe(listenerID, targetID string)
	Revoke(targetID string) int
}

// Subscription is an ordered stream of changes observed at one relay key.
// Unsubscribe is idempotent and closes the Changes channel.
type Subscription interface {
	Changes() <-chan domain.Change
	Unsubscribe()
}

// IRelay is the key-value publish/subscribe service used for setup data,
// presence flags and group logs.
type IRelay interface {
	Publish(ctx context.Context, key string, value []byte) error
	// PublishWithDisconnect writes value and arms onDisconnect in one step.
	// The relay writes onDisconnect at key when this connection drops.
	PublishWithDisconnect(ctx context.Context, key string, value, onDisconnect []byte) error
	Subscribe(ctx context.Context, key string) (Subscription, error)
	Append(ctx context.Context, key string, value []byte) (uint64, error)
	// SubscribeLog replays the whole log once, then delivers every append.
	SubscribeLog(ctx context.Context, key string) (Subscription, error)
	Close() error
}

// ITransport is the direct channel to one peer.
type ITransport interface {
	// Signal applies setup data produced by the remote transport.
	Signal(ctx context.Context, remote []byte) error
	Send(ctx context.Context, data []byte) error
	Events() <-chan domain.TransportEvent
	Close() error
}

type ITransportFactory interface {
	NewTransport(ctx context.Context, initiator bool) (ITransport, error)
}

type ITranscriptStore interface {
	Append(localUser, targetID string, message domain.Message) error
	Read(localUser, targetID string) []domain.Message
	Clear(localUser, targetID string) error
	Cursor(localUser, targetID string) uint64
	SetCursor(localUser, targetID string, seq uint64) error
}

type IGroupStream interface {
	Entries() <-chan domain.GroupEntry
	Close()
}

type IGroupChannel interface {
	Append(ctx context.Context, groupID string, message domain.Message) (uint64, error)
	Observe(ctx context.Context, groupID string) (IGroupStream, error)
}

type IPresence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Observe(ctx context.Context, userID string, onChange func(online bool)) (func(), error)
	Close()
}

// IDirectory supplies the approved targets of a user and their changes.
type IDirectory interface {
	Targets(userID string) []domain.ChatTarget
	Watch(userID string) (<-chan domain.DirectoryEvent, func())
}
