package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uniport-net/uniport/internal/chat"
	"github.com/uniport-net/uniport/internal/network"
)

func chatCmd() *cobra.Command {
	var (
		addr     string
		datagram string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a server and chat from stdin",
		Long: `Join a server and chat from stdin.

Every line is sent as a chat message. Commands:
  /pos <x> <y> <z>   send a position over UDP
  /quit              leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if datagram == "" {
				d, err := defaultDatagramAddr(addr)
				if err != nil {
					return err
				}
				datagram = d
			}

			proto := chat.NewProtocol(&chat.Hooks{
				OnMessage: func(m chat.ChatMessage) {
					fmt.Printf("\r[%s] %s: %s\n", m.SentAt.Local().Format("15:04:05"), m.Sender, m.Text)
				},
				OnNotice: func(text string) {
					fmt.Printf("\r*** %s\n", text)
				},
				OnPosition: func(p chat.Position) {
					fmt.Printf("\r%s moved to (%.1f, %.1f, %.1f)\n", network.FormatID(p.Entity), p.X, p.Y, p.Z)
				},
			})

			cfg := network.DefaultClientConfig()
			cfg.Identity.Name = name
			cfg.DatagramAddr = datagram

			client, err := network.Dial(cmd.Context(), addr, proto, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("Connected to %s as %s (session %s)\n", client.ServerName(), name, network.FormatID(client.CorrelationID()))
			if motd := client.ServerMotd(); motd != "" {
				fmt.Println(motd)
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-client.Done():
					if err := client.Err(); err != nil {
						return fmt.Errorf("disconnected: %w", err)
					}
					fmt.Println("Disconnected.")
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					quit, err := handleLine(client, strings.TrimSpace(line))
					if err != nil {
						fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					}
					if quit {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7350", "Server reliable (TCP) address")
	cmd.Flags().StringVar(&datagram, "udp", "", "Server datagram address (default: reliable port + 1)")
	cmd.Flags().StringVarP(&name, "name", "n", defaultName(), "Name announced to the server")

	return cmd
}

func handleLine(client *network.Client, line string) (bool, error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case strings.HasPrefix(line, "/pos"):
		p, err := parsePosition(strings.Fields(line)[1:])
		if err != nil {
			return false, err
		}
		_, err = client.SendUnreliable(&p, false)
		return false, err
	default:
		return false, client.Send(&chat.ChatMessage{Text: line, SentAt: time.Now()})
	}
}

func parsePosition(args []string) (chat.Position, error) {
	if len(args) != 3 {
		return chat.Position{}, fmt.Errorf("usage: /pos <x> <y> <z>")
	}
	var coords [3]float32
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 32)
		if err != nil {
			return chat.Position{}, fmt.Errorf("invalid coordinate %q", a)
		}
		coords[i] = float32(v)
	}
	return chat.Position{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// defaultDatagramAddr follows the server defaults, where the datagram port
// is the reliable port plus one.
func defaultDatagramAddr(reliable string) (string, error) {
	host, port, err := net.SplitHostPort(reliable)
	if err != nil {
		return "", fmt.Errorf("invalid address %s: %w", reliable, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("invalid port %s", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(n+1)), nil
}

func defaultName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "guest"
}
