package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Key-value operations",
		Long:  "Read and write items in the replicated store",
	}

	cmd.AddCommand(kvGetCmd())
	cmd.AddCommand(kvPutCmd())
	cmd.AddCommand(kvShowCmd())

	return cmd
}

func kvGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			it, found, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(nil)")
				return nil
			}
			fmt.Println(string(it.Value))
			return nil
		},
	}
}

func kvPutCmd() *cobra.Command {
	var origin string

	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Put a JSON value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			// Raw JSON passes through; anything else is stored as a string.
			var value any
			if json.Valid([]byte(args[1])) {
				value = json.RawMessage(args[1])
			} else {
				value = args[1]
			}

			res, err := c.PutValue(ctx, args[0], value, origin)
			if err != nil {
				return err
			}
			if res.Accepted {
				fmt.Println("OK")
			} else {
				fmt.Printf("rejected: %s\n", res.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "meshctl", "Origin node ID stamped on the item")

	return cmd
}

func kvShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show an item with its replication metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			it, found, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(nil)")
				return nil
			}
			out, err := json.MarshalIndent(it, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
