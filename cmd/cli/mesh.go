package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func meshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "Mesh operations",
		Long:  "Inspect peers and drive synchronization",
	}

	cmd.AddCommand(meshInfoCmd())
	cmd.AddCommand(meshPeersCmd())
	cmd.AddCommand(meshStatusCmd())
	cmd.AddCommand(meshSyncCmd())

	return cmd
}

func meshInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show node identity and uptime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("node_id:  %s\n", info.NodeID)
			fmt.Printf("persona:  %s\n", info.PersonaName)
			fmt.Printf("address:  %s\n", info.Address)
			fmt.Printf("version:  %s\n", info.Version)
			fmt.Printf("uptime:   %.1fs\n", info.Uptime)
			return nil
		},
	}
}

func meshPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			peers, err := c.Peers(ctx)
			if err != nil {
				return err
			}
			for _, p := range peers {
				age := "never"
				if p.LastSeen > 0 {
					age = fmt.Sprintf("%.0fs ago", float64(time.Now().Unix())-p.LastSeen)
				}
				fmt.Printf("%-36s  %-21s  %-10s  %s  (%s)\n",
					p.NodeID, p.Address, p.State, p.PersonaName, age)
			}
			return nil
		},
	}
}

func meshStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the full node status document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func meshSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force an immediate sync with all reachable peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			res, err := c.ForceSync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pushed %d, pulled %d\n", res.Pushed, res.Pulled)
			return nil
		},
	}
}
