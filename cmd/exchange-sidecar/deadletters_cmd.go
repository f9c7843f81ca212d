package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

type deadLetterOutput struct {
	ID                 string `json:"id"`
	MessageID          string `json:"message_id"`
	CorrelationKey     string `json:"correlation_key"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	CompletionAttempts int    `json:"completion_attempts"`
	LastError          string `json:"last_error,omitempty"`
}

func newDeadLettersCmd(load settingsLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and requeue FAILED messages",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <outbox|inbox>",
		Short: "List dead-lettered messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := store.ParseRole(args[0])
			if err != nil {
				return err
			}
			dl, closeStore, err := openDeadLetters(cmd, load)
			if err != nil {
				return err
			}
			defer closeStore()

			msgs, err := dl.List(cmd.Context(), role, limit)
			if err != nil {
				return err
			}
			out := make([]deadLetterOutput, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, deadLetterOutput{
					ID:                 m.ID,
					MessageID:          m.MessageID,
					CorrelationKey:     m.CorrelationKey,
					Type:               m.Type,
					Status:             string(m.Status),
					CompletionAttempts: m.CompletionAttempts,
					LastError:          m.LastError,
				})
			}
			return writeOutput(cmd, out)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")

	requeue := &cobra.Command{
		Use:   "requeue <outbox|inbox> <id>",
		Short: "Return a dead-lettered message to PENDING",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := store.ParseRole(args[0])
			if err != nil {
				return err
			}
			dl, closeStore, err := openDeadLetters(cmd, load)
			if err != nil {
				return err
			}
			defer closeStore()

			msg, err := dl.Requeue(cmd.Context(), role, args[1])
			if err != nil {
				return err
			}
			return writeOutput(cmd, map[string]any{"id": msg.ID, "status": msg.Status})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func openDeadLetters(cmd *cobra.Command, load settingsLoader) (*exchange.DeadLetters, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.NewRepository(cmd.Context(), cfg.Database, cfg.Locks)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	closeStore := func() { _ = s.Close(cmd.Context()) }
	return exchange.NewDeadLetters(s.Messages, exchange.OptionsFromSettings(cfg)), closeStore, nil
}

func writeOutput(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
