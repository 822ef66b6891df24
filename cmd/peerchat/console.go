package main

import (
	"context"
	"fmt"
	"io"
	"peer-chat/contract"
	"peer-chat/domain"
	"sync"
	"time"

	"github.com/gookit/color"
)

var (
	selfStyle   = color.New(color.FgCyan, color.OpBold)
	peerStyle   = color.New(color.FgGreen, color.OpBold)
	stateStyle  = color.New(color.FgGray)
	failStyle   = color.New(color.FgRed)
	onlineStyle = color.New(color.FgYellow)
)

// console renders session events for one local user.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	self    string
	colours bool
}

var _ contract.EventSink = (*console)(nil)

func newConsole(out io.Writer, self string, colours bool) *console {
	return &console{out: out, self: self, colours: colours}
}

func (c *console) Consume(_ context.Context, e domain.SessionEvent) error {
	switch e.Kind {
	case domain.StateChanged:
		line := fmt.Sprintf("[%s] %s", e.TargetID, e.State)
		if e.Diagnostic != "" {
			c.println(failStyle, line+": "+e.Diagnostic)
			return nil
		}
		c.println(stateStyle, line)
	case domain.MessageReceived:
		if e.Message != nil {
			c.message(*e.Message)
		}
	case domain.DeliveryFailed:
		if e.Message != nil {
			c.println(failStyle, fmt.Sprintf("[%s] not delivered: %s", e.TargetID, e.Message.Text))
		}
	case domain.TargetRevoked:
		c.println(failStyle, fmt.Sprintf("[%s] no longer approved", e.TargetID))
	}
	return nil
}

func (c *console) message(m domain.Message) {
	style := peerStyle
	if m.SenderID == c.self {
		style = selfStyle
	}
	c.println(style, fmt.Sprintf("%s %s: %s", m.Timestamp.Local().Format(time.TimeOnly), m.SenderID, m.Text))
}

func (c *console) history(messages []domain.Message) {
	if len(messages) == 0 {
		c.println(stateStyle, "no messages yet")
		return
	}
	for _, m := range messages {
		c.message(m)
	}
}

func (c *console) presence(userID string, online bool) {
	status := "offline"
	if online {
		status = "online"
	}
	c.println(onlineStyle, fmt.Sprintf("%s is %s", userID, status))
}

func (c *console) println(style color.Style, line string) {
	if c.colours {
		line = style.Render(line)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}
