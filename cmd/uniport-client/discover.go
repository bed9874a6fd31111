package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/uniport-net/uniport/internal/chat"
	"github.com/uniport-net/uniport/internal/network"
)

func discoverCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Ask a server for its name, MOTD and player count over UDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rc, err := network.DialRequest(ctx, addr, timeout)
			if err != nil {
				return err
			}
			defer rc.Close()

			start := time.Now()
			reply, err := rc.Request(chat.NewProtocol(nil), &chat.Discover{})
			if err != nil {
				return fmt.Errorf("no reply from %s: %w", addr, err)
			}
			rtt := time.Since(start)

			info, ok := reply.(*chat.ServerInfo)
			if !ok {
				return fmt.Errorf("unexpected reply %s", reply.Tag())
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*chat.ServerInfo
					RTTMs float64 `json:"rtt_ms"`
				}{info, float64(rtt.Microseconds()) / 1000})
			}

			fmt.Printf("  Name:     %s\n", info.Name)
			fmt.Printf("  MOTD:     %s\n", info.Motd)
			fmt.Printf("  Players:  %d\n", info.Players)
			fmt.Printf("  Version:  %s\n", info.Version)
			fmt.Printf("  RTT:      %s\n", rtt.Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7351", "Server datagram address")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "Reply timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the reply as JSON")

	return cmd
}
