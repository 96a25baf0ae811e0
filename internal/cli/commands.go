// Package cli implements the interactive command-line interface of the
// bridge, read from standard input.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/bridge"
	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/events"
	"github.com/energizer-project/teebridge/internal/network"
)

// Bridge is the view of the running bridge the CLI needs.
type Bridge interface {
	Sessions() []bridge.SessionInfo
	Session(fakeID int64) (bridge.SessionInfo, bool)
	Stats() bridge.Stats
	Kick(realID int, reason string) error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	bridge   Bridge
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, b Bridge, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		bridge:   b,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nTeeBridge CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error, CLI disabled")
		}
	}()

	for {
		fmt.Fprint(c.out, "teebridge> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.Exec(ctx, line)
		}
	}
}

// Exec runs a single command line.
func (c *CLI) Exec(ctx context.Context, line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		return c.printSessions(args)
	case "kick":
		return c.cmdKick(args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down TeeBridge...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    TeeBridge CLI Commands                    ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status               Show bridge counters                  ║")
	fmt.Fprintln(c.out, "║  sessions [fake_id]   List sessions or show one session     ║")
	fmt.Fprintln(c.out, "║  kick <real_id> [msg] Disconnect a client                   ║")
	fmt.Fprintln(c.out, "║  setconfig <k> <v>    Update a bridge setting (on restart)  ║")
	fmt.Fprintln(c.out, "║  quit                 Shutdown TeeBridge                    ║")
	fmt.Fprintln(c.out, "║  help                 Show this help message                ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus displays the bridge counters in a table.
func (c *CLI) printStatus() {
	bd := c.cfg.GetBridgeData()
	st := c.bridge.Stats()

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Metric", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"Listen", bd.ListenAddress},
		{"Target", bd.TargetAddress},
		{"Sessions", fmt.Sprintf("%d / %d", st.Sessions, bd.MaxSessions)},
		{"Created", strconv.FormatUint(st.Created, 10)},
		{"Destroyed", strconv.FormatUint(st.Destroyed, 10)},
		{"Refused", strconv.FormatUint(st.Refused, 10)},
		{"Chunks to server", strconv.FormatUint(st.ChunksToServer, 10)},
		{"Chunks to client", strconv.FormatUint(st.ChunksToClient, 10)},
		{"Chunks dropped", strconv.FormatUint(st.ChunksDropped, 10)},
		{"Chat messages", strconv.FormatUint(st.ChatMessages, 10)},
		{"Uptime", st.Uptime.Truncate(time.Second).String()},
	})
	tw.Render()
	fmt.Fprintln(c.out)
}

// printSessions lists all sessions, or details one when a fake id is given.
func (c *CLI) printSessions(args []string) error {
	if len(args) > 0 {
		fakeID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid fake id: %s", args[0])
		}
		info, ok := c.bridge.Session(fakeID)
		if !ok {
			return fmt.Errorf("session %d not found", fakeID)
		}
		c.printSessionDetail(info)
		return nil
	}

	sessions := c.bridge.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No active sessions")
		return nil
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Fake ID", "Real ID", "Client", "Variant", "State", "Up", "Down", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, s := range sessions {
		tw.Append([]string{
			strconv.FormatInt(s.FakeID, 10),
			strconv.Itoa(s.RealID),
			s.ClientAddr,
			s.Variant,
			s.State.String(),
			strconv.FormatUint(s.ChunksUp, 10),
			strconv.FormatUint(s.ChunksDown, 10),
			now.Sub(s.CreatedAt).Truncate(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

// printSessionDetail prints detailed info for a single session.
func (c *CLI) printSessionDetail(s bridge.SessionInfo) {
	fmt.Fprintf(c.out, "\n  Fake ID:      %d\n", s.FakeID)
	fmt.Fprintf(c.out, "  Real ID:      %d\n", s.RealID)
	fmt.Fprintf(c.out, "  Client:       %s\n", s.ClientAddr)
	fmt.Fprintf(c.out, "  Target:       %s\n", s.Target)
	fmt.Fprintf(c.out, "  Variant:      %s\n", s.Variant)
	fmt.Fprintf(c.out, "  State:        %s\n", s.State)
	fmt.Fprintf(c.out, "  Created:      %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.OnlineAt != nil {
		fmt.Fprintf(c.out, "  Online since: %s\n", s.OnlineAt.Format(time.RFC3339))
	}
	fmt.Fprintf(c.out, "  Chunks up:    %d\n", s.ChunksUp)
	fmt.Fprintf(c.out, "  Chunks down:  %d\n", s.ChunksDown)
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <real_id> [reason]")
	}
	realID, err := strconv.Atoi(args[0])
	if err != nil || realID < 0 {
		return fmt.Errorf("invalid real id: %s", args[0])
	}
	reason := strings.Join(args[1:], " ")

	if err := c.bridge.Kick(realID, reason); err != nil {
		if errors.Is(err, network.ErrUnknownClient) {
			return fmt.Errorf("no client with real id %d", realID)
		}
		return err
	}
	fmt.Fprintf(c.out, "Kicking client %d\n", realID)
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	previous := c.cfg.GetBridgeData()
	if err := c.cfg.UpdateBridgeField(key, parseValue(raw)); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetBridgeData(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: "bridge_data",
			Key:     key,
			Value:   raw,
		},
	})

	fmt.Fprintf(c.out, "Config updated: %s = %s (applies on restart)\n", key, raw)
	return nil
}

// parseValue turns a typed argument into the JSON value it stands for.
func parseValue(raw string) interface{} {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
