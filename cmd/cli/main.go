package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	client "meshkv/clients/go"
)

var (
	nodeAddr string
	timeout  int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "meshctl",
		Short: "meshctl - meshkv node CLI",
		Long:  `meshctl inspects and operates a meshkv node over its HTTP API`,
	}

	rootCmd.PersistentFlags().StringVar(&nodeAddr, "node", "localhost:8370", "Node address")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	rootCmd.AddCommand(kvCmd())
	rootCmd.AddCommand(meshCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(taskCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(nodeAddr, &client.Options{
		RequestTimeout: time.Duration(timeout) * time.Second,
	})
}
