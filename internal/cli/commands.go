// Package cli implements the interactive operator console: session and ban
// tables, kicks, bans, announcements and configuration edits.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/server"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *server.Manager
	out      io.Writer
}

// NewCLI creates a new CLI handler writing to stdout.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, manager *server.Manager) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		out:      os.Stdout,
	}
}

// Start runs the console on stdin until ctx is done, stdin closes or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nUniport console ready. Type 'help' for available commands.")
	c.Run(ctx, os.Stdin)
}

// Run reads commands line by line from in.
func (c *CLI) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "uniport> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
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
		c.printSessions()
	case "kick":
		return c.cmdKick(args)
	case "ban":
		return c.cmdBan(args)
	case "unban":
		return c.cmdUnban(args)
	case "bans":
		return c.printBans()
	case "say":
		return c.cmdSay(args)
	case "history":
		return c.printHistory(args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Uniport...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
Commands:
  status                        Show server status
  sessions                      List connected sessions
  kick <id> [reason]            Close a session (id in hex)
  ban <ip> [minutes] [reason]   Ban an address; 0 minutes is permanent
  unban <ip>                    Lift a ban
  bans                          List active bans
  say <text>                    Announce to every peer
  history [n]                   Show recent session history
  setconfig <key> <value>       Update a server setting
  quit                          Shut down Uniport
  help                          Show this help message

`)
}

func (c *CLI) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// printStatus displays the server status.
func (c *CLI) printStatus() {
	st := c.manager.Status()
	fmt.Fprintf(c.out, "\n  Name:      %s\n", st.Name)
	fmt.Fprintf(c.out, "  MOTD:      %s\n", st.Motd)
	fmt.Fprintf(c.out, "  Version:   %s\n", st.Version)
	fmt.Fprintf(c.out, "  Reliable:  %s\n", orDash(st.ReliableAddr))
	fmt.Fprintf(c.out, "  Datagram:  %s\n", orDash(st.DatagramAddr))
	fmt.Fprintf(c.out, "  Sessions:  %d\n", st.Sessions)
	fmt.Fprintf(c.out, "  Uptime:    %s\n\n", st.Uptime.Truncate(time.Second))
}

// printSessions displays the connected sessions in a table.
func (c *CLI) printSessions() {
	sessions := c.manager.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions connected.")
		return
	}

	tw := c.newTable([]string{"ID", "Name", "Remote", "Protocol", "Connected", "In", "Out"})
	for _, s := range sessions {
		tw.Append([]string{
			s.ID,
			s.Name,
			s.Remote,
			s.Protocol,
			time.Since(s.ConnectedAt).Truncate(time.Second).String(),
			strconv.FormatUint(s.Stats.PacketsIn, 10),
			strconv.FormatUint(s.Stats.PacketsOut, 10),
		})
	}
	tw.Render()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id> [reason]")
	}
	id, err := network.ParseID(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id: %s", args[0])
	}
	if err := c.manager.Kick(id, strings.Join(args[1:], " "), "cli"); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %s kicked\n", network.FormatID(id))
	return nil
}

func (c *CLI) cmdBan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ban <ip> [minutes] [reason]")
	}
	var minutes int
	rest := args[1:]
	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[0]); err == nil {
			if n < 0 {
				return fmt.Errorf("minutes must not be negative")
			}
			minutes = n
			rest = rest[1:]
		}
	}

	ban, kicked, err := c.manager.Ban(args[0], strings.Join(rest, " "), time.Duration(minutes)*time.Minute, "cli")
	if err != nil {
		return err
	}
	until := "permanently"
	if !ban.Permanent() {
		until = "until " + ban.ExpiresAt.Format(time.RFC3339)
	}
	fmt.Fprintf(c.out, "Banned %s %s (%d session(s) kicked)\n", ban.IP, until, kicked)
	return nil
}

func (c *CLI) cmdUnban(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: unban <ip>")
	}
	if err := c.manager.Unban(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Unbanned %s\n", args[0])
	return nil
}

// printBans displays the active bans in a table.
func (c *CLI) printBans() error {
	bans, err := c.manager.Bans()
	if err != nil {
		return err
	}
	if len(bans) == 0 {
		fmt.Fprintln(c.out, "No active bans.")
		return nil
	}

	tw := c.newTable([]string{"IP", "Reason", "Expires", "Created"})
	for _, b := range bans {
		expires := "never"
		if !b.Permanent() {
			expires = b.ExpiresAt.Format(time.RFC3339)
		}
		tw.Append([]string{b.IP, b.Reason, expires, b.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSay(args []string) error {
	report, err := c.manager.Announce(strings.Join(args, " "), "cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Announcement delivered to %d peer(s), %d failed\n", report.Delivered, report.Failed)
	return nil
}

// printHistory displays recent session history in a table.
func (c *CLI) printHistory(args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	rows, err := c.manager.History(limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "No session history.")
		return nil
	}

	tw := c.newTable([]string{"ID", "Name", "Remote", "Joined", "Left"})
	for _, r := range rows {
		left := "connected"
		if !r.LeftAt.IsZero() {
			left = r.LeftAt.Format(time.RFC3339)
		}
		tw.Append([]string{r.CorrelationID, r.Name, r.Remote, r.JoinedAt.Format(time.RFC3339), left})
	}
	tw.Render()
	return nil
}

// cmdSetConfig updates one server field. The value is decoded as JSON when
// possible so numbers and booleans keep their type.
func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")
	var value interface{} = raw
	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		value = decoded
	}

	prev := c.cfg.GetServer()
	if err := c.cfg.UpdateServerField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetServer(prev)
		return result.Errors[0]
	}

	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: "server",
			Key:     key,
			Value:   value,
		},
	})
	log.Info().Str("key", key).Interface("value", value).Msg("CLI: configuration updated")
	fmt.Fprintf(c.out, "Config updated: %s = %v (networking changes apply on restart)\n", key, value)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
