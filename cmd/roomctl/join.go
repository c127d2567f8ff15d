package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dkeye/roomlink/internal/client"
	"github.com/dkeye/roomlink/internal/conn"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/dkeye/roomlink/internal/presence"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var joinFlags struct {
	userID   string
	username string
	token    string
}

var joinCmd = &cobra.Command{
	Use:   "join ROOM",
	Short: "Join a room and chat from stdin.",
	Long: `Join a room and chat from stdin. Plain lines are sent as messages.
Commands: /speak, /mic on|off, /minimize, /open ROOM, /leave, /resume, /quit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		user := domain.User{ID: domain.UserID(joinFlags.userID), Username: joinFlags.username}
		if user.ID == "" {
			generated, err := domain.NewUser(joinFlags.username)
			if err != nil {
				return fmt.Errorf("--user-id or --username required: %w", err)
			}
			user = *generated
		}
		c := client.New(cfg.Client)
		s := &shell{c: c, user: user, out: cmd.OutOrStdout()}
		s.watch()

		c.Login(ctx, joinFlags.token)
		if _, err := c.EnterRoom(ctx, domain.RoomID(args[0]), user); err != nil {
			return err
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				s.unload()
				return nil
			case line, ok := <-lines:
				if !ok {
					s.unload()
					return nil
				}
				if quit := s.exec(ctx, strings.TrimSpace(line)); quit {
					s.unload()
					return nil
				}
			}
		}
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinFlags.userID, "user-id", "", "user id announced on join; generated when empty")
	f.StringVar(&joinFlags.username, "username", "", "display name")
	f.StringVar(&joinFlags.token, "token", "", "bearer token; empty reuses the stored one or joins as guest")
}

type shell struct {
	c    *client.Client
	user domain.User

	mu  sync.Mutex
	out io.Writer
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// watch prints roster, message and connection changes.
func (s *shell) watch() {
	s.c.Conn.OnState(func(ch conn.StateChange) {
		s.printf("* %s (%s)\n", ch.Kind, ch.State)
	})
	s.c.Membership.OnChange(func() {
		s.printf("* %s: %d listeners, %d speakers\n",
			s.c.Membership.State(), len(s.c.Membership.Listeners()), len(s.c.Membership.Speakers()))
	})
	var seenMu sync.Mutex
	seen := 0
	s.c.Stream.OnChange(func() {
		seenMu.Lock()
		defer seenMu.Unlock()
		msgs := s.c.Stream.Messages()
		if len(msgs) < seen {
			seen = 0
		}
		for _, m := range msgs[seen:] {
			s.printf("[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.Username, m.Text)
		}
		seen = len(msgs)
	})
	s.c.Unread.OnChange(func(id string, n int) {
		if n > 0 {
			s.printf("* %d unread in %s\n", n, id)
		}
	})
}

func (s *shell) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	var err error
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/speak":
		err = s.c.BecomeSpeaker(false)
	case "/mic":
		err = s.c.ToggleMic(len(fields) > 1 && fields[1] == "on")
	case "/minimize":
		_, err = s.c.Minimize()
	case "/open":
		if len(fields) < 2 {
			err = errors.New("usage: /open ROOM")
			break
		}
		var restore presence.Restore
		restore, err = s.c.EnterRoom(ctx, domain.RoomID(fields[1]), s.user)
		if err == nil && restore.MicOn {
			s.printf("* mic restored\n")
		}
	case "/leave":
		err = s.c.LeaveRoom()
	case "/resume":
		err = s.c.Resume()
	default:
		_, err = s.c.Send(line)
	}
	if err != nil {
		s.printf("! %v\n", err)
	}
	return false
}

func (s *shell) unload() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.c.Unload(ctx)
	log.Info().Msg("bye")
}
