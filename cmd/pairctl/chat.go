package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/peer"
	"github.com/onlyus/sync-server-go/internal/realtime"
)

const chatHelp = `commands:
  <text>            send a message
  /react <emoji>    float a reaction on the partner's screen
  /pulse            send a touch pulse
  /load <media>     switch media for both players
  /play [seconds]   play from a position
  /pause [seconds]  pause at a position
  /seek <seconds>   jump to a position
  /status           show playback sync status
  /quit             leave the channel`

func newChatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <session-id>",
		Short: "Open the peer channel of a paired session",
		Long:  "Open the peer channel of a paired session and read commands from stdin.\n\n" + chatHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, self, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sessionID := args[0]

			status, err := c.Status(ctx, sessionID)
			if err != nil {
				return err
			}
			if !status.State.IsLinked() {
				return fmt.Errorf("session is %s, not paired", status.State)
			}

			url, err := c.ChannelURL(sessionID)
			if err != nil {
				return err
			}
			conn, err := peer.Dial(ctx, url, c.Token(), peer.DefaultConfig())
			if err != nil {
				return err
			}

			term := newTerminal(cmd.OutOrStdout())
			syncer, err := realtime.NewSynchronizer(
				realtime.SessionContext{SessionID: sessionID, SelfID: self, PartnerID: status.PartnerID},
				conn, clockwork.NewRealClock(), realtime.DefaultConfig(), term, term)
			if err != nil {
				conn.Close()
				return err
			}

			term.printf("connected to %s, /quit to leave\n", status.PartnerID)
			return runChat(ctx, syncer, cmd.InOrStdin(), term)
		},
	}
}

type chatCommand struct {
	name    string
	arg     string
	seconds *float64
}

func parseChatLine(line string) (chatCommand, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatCommand{name: "say", arg: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	cmd := chatCommand{name: name, arg: arg}

	switch name {
	case "react", "load":
		if arg == "" {
			return cmd, fmt.Errorf("/%s needs an argument", name)
		}
	case "play", "pause", "seek":
		if arg == "" {
			if name == "seek" {
				return cmd, errors.New("/seek needs a position in seconds")
			}
			return cmd, nil
		}
		seconds, err := strconv.ParseFloat(arg, 64)
		if err != nil || seconds < 0 {
			return cmd, fmt.Errorf("invalid position %q", arg)
		}
		cmd.seconds = &seconds
	case "pulse", "status", "quit", "help":
	default:
		return cmd, fmt.Errorf("unknown command /%s", name)
	}
	return cmd, nil
}

// runChat feeds input lines to the synchronizer until the input ends, the
// user quits, or the channel is lost.
func runChat(ctx context.Context, syncer *realtime.Synchronizer, in io.Reader, term *terminal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-syncer.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			syncer.Close()
			return nil
		case <-syncer.Done():
			return syncer.Err()
		case line, ok := <-lines:
			if !ok {
				syncer.Close()
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			quit, err := applyChatLine(syncer, line, term)
			if err != nil {
				term.printf("! %v\n", err)
			}
			if quit {
				syncer.Close()
				return nil
			}
		}
	}
}

func applyChatLine(syncer *realtime.Synchronizer, line string, term *terminal) (bool, error) {
	cmd, err := parseChatLine(line)
	if err != nil {
		return false, err
	}

	playback := syncer.Playback()
	position := func() float64 {
		if cmd.seconds != nil {
			return *cmd.seconds
		}
		return playback.State().PositionSeconds
	}

	switch cmd.name {
	case "say":
		_, err = syncer.SendMessage(cmd.arg)
	case "react":
		err = syncer.SendReaction(cmd.arg)
	case "pulse":
		err = syncer.SendPulse()
	case "load":
		playback.Load(cmd.arg)
	case "play":
		playback.Play(position())
	case "pause":
		playback.Pause(position())
	case "seek":
		playback.Seek(*cmd.seconds)
	case "status":
		state := playback.State()
		term.printf("* %s %q at %.1fs (drift %.2fs)\n", playback.Status(), state.MediaRef, state.PositionSeconds, state.EstimatedDriftSeconds)
	case "help":
		term.printf("%s\n", chatHelp)
	case "quit":
		return true, nil
	}
	return false, err
}

// terminal prints partner activity and plays the role of the media player.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) MessageReceived(event model.SyncEvent, message model.MessagePayload) {
	t.printf("%s> %s\n", event.ID.SenderID, message.Text)
}

func (t *terminal) TypingChanged(typing bool) {
	if typing {
		t.printf("  (typing...)\n")
	}
}

func (t *terminal) PulseChanged(active bool) {
	if active {
		t.printf("  ~ pulse ~\n")
	}
}

func (t *terminal) ReactionAdded(r realtime.Reaction) {
	t.printf("  %s at (%.2f, %.2f)\n", r.Emoji, r.X, r.Y)
}

func (t *terminal) ReactionRemoved(model.EventID) {}

func (t *terminal) PlaybackChanged(model.PlaybackState) {}

func (t *terminal) SyncStatusChanged(status model.SyncStatus) {
	t.printf("* sync %s\n", status)
}

func (t *terminal) ChannelLost(err error) {
	t.printf("! channel lost: %v\n", err)
}

func (t *terminal) Load(mediaRef string) {
	t.printf("* load %s\n", mediaRef)
}

func (t *terminal) Play() {
	t.printf("* play\n")
}

func (t *terminal) Pause() {
	t.printf("* pause\n")
}

func (t *terminal) Seek(positionSeconds float64) {
	t.printf("* seek %.1fs\n", positionSeconds)
}
