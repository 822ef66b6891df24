package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"peer-chat/directory"
	"peer-chat/domain"
	"peer-chat/internal"
	"peer-chat/relay"
	"peer-chat/runtime/workers"
	"peer-chat/session"
	"peer-chat/transport"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	friends []string
	groups  []string
)

var chatCmd = &cobra.Command{
	Use:   "chat <target>",
	Short: "Open a session with a friend or group and chat from stdin",
	Long: `Open a session with a friend or group and chat from stdin.

Friends and groups are declared with flags and must be declared the same way
by every participant:
  peerchat chat bob -u alice --friend bob
  peerchat chat club -u alice --group club=alice,bob,carol

Commands typed at the prompt:
  /close     - close the session
  /reconnect - select the target again
  /clear     - delete the transcript
  /quit      - log out and exit`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringSliceVar(&friends, "friend", nil, "approved friend, repeatable")
	chatCmd.Flags().StringArrayVar(&groups, "group", nil, "group as id=creator,member,..., repeatable")
}

func runChat(cmd *cobra.Command, args []string) error {
	target := args[0]
	dir := directory.NewMemory(config.Policy(), log)
	if err := seedDirectory(dir); err != nil {
		return err
	}

	transcripts, closeDB, err := openTranscripts()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := relay.Dial(ctx, config.RelayURL, user, log)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	manager, err := session.NewManager(user, session.Dependencies{
		Relay:       client,
		Transports:  transport.NewWebSocketFactory(config.PeerListenAddress, config.PeerAdvertiseHost, log),
		Transcripts: transcripts,
		Directory:   dir,
		Supervisor:  workers.NewSupervisor(log, config.RestartInterval),
	}, config.Session(), log)
	if err != nil {
		return err
	}
	out := newConsole(os.Stdout, user, colours)
	manager.AddSink(out)
	if err = manager.Start(ctx); err != nil {
		return fmt.Errorf("session manager failed to start: %w", err)
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Logout(logoutCtx); err != nil {
			log.Warn("Logout failed", "error", err)
		}
	}()

	if config.DebugPort > 0 {
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(config.DebugPort)))
		if err != nil {
			return fmt.Errorf("failed to listen on debug port %d: %w", config.DebugPort, err)
		}
		debug := internal.NewDebugServer(transcripts, func() map[string]any {
			return lo.MapValues(manager.Sessions(), func(state domain.State, _ string) any { return state })
		}, log)
		debug.Start(listener)
		defer func() { _ = debug.Shutdown() }()
	}

	out.history(manager.Messages(target))
	if _, err = manager.Select(ctx, target); err != nil {
		return err
	}
	if !isGroup(manager, target) {
		stopWatch, err := manager.WatchPresence(ctx, target, func(online bool) { out.presence(target, online) })
		if err != nil {
			log.Warn("Presence unavailable", "target", target, "error", err)
		} else {
			defer stopWatch()
		}
	}

	return prompt(ctx, manager, out, target)
}

func prompt(ctx context.Context, manager *session.Manager, out *console, target string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit":
				return nil
			case "/close":
				if err := manager.Close(ctx, target); err != nil {
					log.Warn("Close failed", "target", target, "error", err)
				}
			case "/reconnect":
				if _, err := manager.Select(ctx, target); err != nil {
					out.println(failStyle, err.Error())
				}
			case "/clear":
				if err := manager.ClearHistory(target); err != nil {
					out.println(failStyle, err.Error())
				}
			default:
				message, err := manager.Send(ctx, target, line)
				if err != nil {
					out.println(failStyle, err.Error())
					continue
				}
				out.message(message)
			}
		}
	}
}

func seedDirectory(dir *directory.Memory) error {
	for _, friend := range friends {
		request, err := dir.RequestFriend(user, friend)
		if err != nil {
			return err
		}
		if request.Status == directory.Pending {
			if err = dir.Accept(friend, request.ID); err != nil {
				return err
			}
		}
	}
	for _, flag := range groups {
		id, members, err := parseGroup(flag)
		if err != nil {
			return err
		}
		dir.AddGroup(id, id, members[0], false, members[1:]...)
	}
	return nil
}

// parseGroup reads "id=creator,member,...".
func parseGroup(flag string) (string, []string, error) {
	id, list, ok := strings.Cut(flag, "=")
	members := lo.Compact(lo.Map(strings.Split(list, ","), func(m string, _ int) string {
		return strings.TrimSpace(m)
	}))
	if !ok || strings.TrimSpace(id) == "" || len(members) == 0 {
		return "", nil, fmt.Errorf("invalid group %q, expected id=creator,member,...", flag)
	}
	return strings.TrimSpace(id), members, nil
}

func isGroup(manager *session.Manager, targetID string) bool {
	return lo.ContainsBy(manager.Targets(), func(t domain.ChatTarget) bool {
		return t.ID == targetID && t.IsGroup()
	})
}
