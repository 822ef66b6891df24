package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"peer-chat/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type relaySocketSuite struct {
	suite.Suite
	hub      *Hub
	server   *Server
	endpoint string
}

func TestRelaySocketSuite(t *testing.T) {
	suite.Run(t, &relaySocketSuite{})
}

func (s *relaySocketSuite) SetupTest() {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.hub = NewHub(slog.Default())
	s.server = NewServer(s.hub, slog.Default(), 0, 0)
	s.endpoint = fmt.Sprintf("ws://%s%s", listener.Addr().String(), Path)
	go func() { _ = s.server.Serve(listener) }()
}

func (s *relaySocketSuite) TearDownTest() {
	s.Require().NoError(s.server.Shutdown())
}

func (s *relaySocketSuite) dial(clientID string) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, s.endpoint, clientID, slog.Default())
	s.Require().NoError(err)
	return client
}

func (s *relaySocketSuite) TestPublishAndSubscribe() {
	ctx := context.Background()
	alice := s.dial("alice")
	bob := s.dial("bob")
	defer func() { _ = alice.Close() }()
	defer func() { _ = bob.Close() }()

	sub, err := bob.Subscribe(ctx, "signaling/alice_bob")
	s.Require().NoError(err)
	defer sub.Unsubscribe()
	s.Require().False(next(s.T(), sub.Changes()).Exists)

	s.Require().NoError(alice.Publish(ctx, "signaling/alice_bob", []byte("offer")))

	change := next(s.T(), sub.Changes())
	s.Require().True(change.Exists)
	s.Require().Equal("offer", string(change.Value))
}

func (s *relaySocketSuite) TestAppendAndSubscribeLog() {
	ctx := context.Background()
	client := s.dial("alice")
	defer func() { _ = client.Close() }()

	seq, err := client.Append(ctx, "groupMessages/g", []byte("first"))
	s.Require().NoError(err)
	s.Require().Equal(uint64(1), seq)

	sub, err := client.SubscribeLog(ctx, "groupMessages/g")
	s.Require().NoError(err)
	defer sub.Unsubscribe()
	seq, err = client.Append(ctx, "groupMessages/g", []byte("second"))
	s.Require().NoError(err)
	s.Require().Equal(uint64(2), seq)

	s.Require().Equal("first", string(next(s.T(), sub.Changes()).Value))
	s.Require().Equal("second", string(next(s.T(), sub.Changes()).Value))
}

func (s *relaySocketSuite) TestDroppedSocketRunsDisconnectAction() {
	ctx := context.Background()
	alice := s.dial("alice")
	bob := s.dial("bob")
	defer func() { _ = bob.Close() }()

	s.Require().NoError(alice.PublishWithDisconnect(ctx, "status/alice", []byte("on"), []byte("off")))
	sub, err := bob.Subscribe(ctx, "status/alice")
	s.Require().NoError(err)
	defer sub.Unsubscribe()
	s.Require().Equal("on", string(next(s.T(), sub.Changes()).Value))

	s.Require().NoError(alice.Close())

	s.Require().Equal("off", string(next(s.T(), sub.Changes()).Value))
	s.Require().Eventually(func() bool { return s.hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func (s *relaySocketSuite) TestCallsFailAfterClose() {
	client := s.dial("alice")
	s.Require().NoError(client.Close())

	err := client.Publish(context.Background(), "k", []byte("v"))
	s.Require().Error(err)
	_, err = client.Subscribe(context.Background(), "k")
	s.Require().Error(err)
}

func (s *relaySocketSuite) TestRateLimitedSocketIsRefused() {
	limited := NewServer(s.hub, slog.Default(), 0.001, 1)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	go func() { _ = limited.Serve(listener) }()
	defer func() { _ = limited.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, fmt.Sprintf("ws://%s%s", listener.Addr().String(), Path), "spammer", slog.Default())
	s.Require().NoError(err)
	defer func() { _ = client.Close() }()

	s.Require().NoError(client.Publish(ctx, "k", []byte("1")))
	err = client.Publish(ctx, "k", []byte("2"))
	s.Require().ErrorContains(err, errors.ErrRateLimited.Error())
}
