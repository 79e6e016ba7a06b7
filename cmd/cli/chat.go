package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a chat message to the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			reply, err := c.Chat(ctx, args[0], source)
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s\n", reply.PersonaName, reply.Response)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "meshctl", "Message source label")

	return cmd
}

func taskCmd() *cobra.Command {
	var taskType string

	cmd := &cobra.Command{
		Use:   "task <json-payload>",
		Short: "Submit a task to the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			defer cancel()

			var task map[string]any
			if err := json.Unmarshal([]byte(args[0]), &task); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			if _, ok := task["task_id"]; !ok {
				task["task_id"] = uuid.New().String()
			}
			if taskType != "" {
				task["task_type"] = taskType
			}

			res, err := c.Task(ctx, task)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "Task type (overrides task_type in the payload)")

	return cmd
}
