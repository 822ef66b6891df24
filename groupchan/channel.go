// Package groupchan is the per-group append-only message stream.
package groupchan

import (
	"context"
	"fmt"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"sync"
)

type Channel struct {
	relay contract.IRelay
	log   *slog.Logger
}

var _ contract.IGroupChannel = (*Channel)(nil)

func NewChannel(relay contract.IRelay, log *slog.Logger) *Channel {
	return &Channel{relay: relay, log: log}
}

// Append writes message at the end of the group's log and returns its sequence.
func (c *Channel) Append(ctx context.Context, groupID string, message domain.Message) (uint64, error) {
	data, err := domain.EncodeMessage(message)
	if err != nil {
		return 0, err
	}
	seq, err := c.relay.Append(ctx, domain.GroupMessagesKey(groupID), data)
	if err != nil {
		return 0, fmt.Errorf("%w: group %s append: %v", errors.ErrTransportError, groupID, err)
	}
	return seq, nil
}

// Observe replays the whole history of the group once, then every new append.
// Undecodable entries are logged and skipped.
func (c *Channel) Observe(ctx context.Context, groupID string) (contract.IGroupStream, error) {
	sub, err := c.relay.SubscribeLog(ctx, domain.GroupMessagesKey(groupID))
	if err != nil {
		return nil, fmt.Errorf("%w: group %s observe: %v", errors.ErrTransportError, groupID, err)
	}
	stream := &Stream{
		sub:     sub,
		entries: make(chan domain.GroupEntry),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go stream.run(c.log.With("group", groupID))
	return stream, nil
}

type Stream struct {
	sub     contract.Subscription
	entries chan domain.GroupEntry
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *Stream) Entries() <-chan domain.GroupEntry {
	return s.entries
}

// Close stops the stream and closes Entries.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
	})
	<-s.stopped
}

func (s *Stream) run(log *slog.Logger) {
	defer close(s.stopped)
	defer close(s.entries)
	for change := range s.sub.Changes() {
		message, err := domain.DecodeMessage(change.Value)
		if err != nil {
			log.Warn("Skipping undecodable group entry", "seq", change.Seq, "error", err)
			continue
		}
		select {
		case s.entries <- domain.GroupEntry{Seq: change.Seq, Message: message}:
		case <-s.done:
			return
		}
	}
}
