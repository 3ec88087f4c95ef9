package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "reverie",
		Short: "Conversational memory engine: persona chat with rolling summaries and long-term memory",
		Long: strings.TrimSpace(`reverie keeps an ongoing chat with an AI persona, folds older history into a
rolling summary, extracts durable facts about you, and routes generation
through a primary/secondary model provider with retry and fallback.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")

	root.AddCommand(newInitCommand(&configPath))
	root.AddCommand(newChatCommand(&configPath))
	root.AddCommand(newHistoryCommand(&configPath))
	root.AddCommand(newSweepCommand(&configPath))
	root.AddCommand(newSchedulerCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

func newInitCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Example: "  reverie init",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(*configPath)
		},
	}
}

func newChatCommand(configPath *string) *cobra.Command {
	var (
		userID      string
		characterID string
		message     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation with a character",
		Long:  "Enter (or resume) the conversation with a character and chat interactively, or send a one-shot message.",
		Example: strings.Join([]string{
			"  reverie chat --character mira",
			"  reverie chat --character mira --message \"good morning\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(*configPath, userID, characterID, message)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id")
	cmd.Flags().StringVarP(&characterID, "character", "p", "", "Character id to talk to")
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message instead of interactive mode")
	_ = cmd.MarkFlagRequired("character")

	return cmd
}

func newHistoryCommand(configPath *string) *cobra.Command {
	var (
		userID      string
		characterID string
		limit       int
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent turns of the latest conversation",
		Example: "  reverie history --character mira --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(*configPath, userID, characterID, limit)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id")
	cmd.Flags().StringVarP(&characterID, "character", "p", "", "Character id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 30, "Number of turns to show")
	_ = cmd.MarkFlagRequired("character")

	return cmd
}

func newSweepCommand(configPath *string) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Run one cleanup pass: flag idle conversations, archive closed ones",
		Example: "  reverie sweep --batch 50",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(*configPath, batchSize)
		},
	}

	cmd.Flags().IntVarP(&batchSize, "batch", "b", 50, "Max closed conversations per sweep")

	return cmd
}

func newSchedulerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "scheduler",
		Short:   "Run the cron scheduler for periodic sweeps",
		Example: "  reverie scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(*configPath)
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and provider readiness",
		Example: "  reverie status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(*configPath)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
