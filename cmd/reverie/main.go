package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/hollycliff/reverie/pkg/agent"
	"github.com/hollycliff/reverie/pkg/config"
	"github.com/hollycliff/reverie/pkg/logging"
	"github.com/hollycliff/reverie/pkg/memory"
	"github.com/hollycliff/reverie/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

const appName = "reverie"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("Built:      %s\n", buildTime)
	}
	fmt.Printf("Go version: %s\n", runtime.Version())
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".reverie", "config.json")
}

// engine bundles everything a command needs, torn down with close().
type engine struct {
	cfg   *config.Config
	store *memory.SQLiteStore
	svc   *agent.Service
}

func (e *engine) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func loadEngine(configPath string) (*engine, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	gateway, err := providers.BuildGateway(cfg)
	if err != nil {
		return nil, err
	}
	store, err := memory.NewSQLiteStore(filepath.Join(cfg.WorkspacePath(), "reverie.db"))
	if err != nil {
		return nil, err
	}

	return &engine{cfg: cfg, store: store, svc: agent.NewService(store, gateway, cfg)}, nil
}

func initConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		return nil
	}
	if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote default config to %s\n", configPath)
	fmt.Println("Set your provider API keys before chatting, e.g.:")
	fmt.Println("  export REVERIE_PROVIDERS_OPENAI_API_KEY=sk-...")
	fmt.Println("  export REVERIE_PROVIDERS_ANTHROPIC_API_KEY=...")
	return nil
}

func runChat(configPath, userID, characterID, oneShot string) error {
	eng, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx := context.Background()

	if strings.TrimSpace(oneShot) != "" {
		reply, err := eng.svc.SendMessage(ctx, userID, characterID, oneShot)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s %s\n", characterID, reply)
		return nil
	}

	res, err := eng.svc.EnterConversation(ctx, userID, characterID)
	if err != nil {
		return err
	}
	for _, turn := range res.Turns {
		switch turn.Sender {
		case memory.SenderUser:
			fmt.Printf("You: %s\n", turn.Content)
		case memory.SenderCharacter:
			fmt.Printf("%s: %s\n", characterID, turn.Content)
		}
	}
	fmt.Println("\nInteractive mode (exit or Ctrl+C to leave)")

	defer func() {
		if err := eng.svc.ExitConversation(ctx, userID, characterID); err != nil {
			fmt.Printf("Error closing conversation: %v\n", err)
		}
	}()
	return interactiveMode(eng.svc, userID, characterID)
}

func interactiveMode(svc *agent.Service, userID, characterID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".reverie_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		reply, err := svc.SendMessage(context.Background(), userID, characterID, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s: %s\n\n", characterID, reply)
	}
}

func runSweep(configPath string, batchSize int) error {
	eng, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx := context.Background()
	flagged, err := eng.svc.FlagOpenForDelayedCleanup(ctx)
	if err != nil {
		return err
	}
	archived, err := eng.svc.SweepClosedConversations(ctx, batchSize)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Sweep done: %d flagged for cleanup, %d archived\n", flagged, archived)
	return nil
}

func runScheduler(configPath string) error {
	eng, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	defer eng.close()

	sweeper, err := agent.NewSweeper(eng.svc, eng.cfg.Sweep)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	fmt.Printf("%s scheduler running (sweep %q, flag %q); Ctrl+C to stop\n",
		appName, eng.cfg.Sweep.Schedule, eng.cfg.Sweep.FlagSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down scheduler")
	return nil
}

func runStatus(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("Config:     %s\n", configPath)
	fmt.Printf("Workspace:  %s\n", cfg.WorkspacePath())
	fmt.Printf("Timezone:   %s\n", cfg.Location())
	fmt.Printf("Providers:  primary=%s secondary=%s (supported: %s)\n",
		cfg.Providers.Primary, cfg.Providers.Secondary,
		strings.Join(providers.SupportedProviders(), ", "))

	for _, name := range []string{cfg.Providers.Primary, cfg.Providers.Secondary} {
		if strings.TrimSpace(name) == "" {
			continue
		}
		status := "ready"
		if err := providers.ValidateProviderConfig(name, cfg); err != nil {
			status = err.Error()
		}
		fmt.Printf("  - %s: %s\n", name, status)
	}

	fmt.Printf("Sweep:      %q (batch %d), flag idle after %dh on %q\n",
		cfg.Sweep.Schedule, cfg.Sweep.BatchSize, cfg.Sweep.FlagIdleHours, cfg.Sweep.FlagSchedule)
	return nil
}

func runHistory(configPath, userID, characterID string, limit int) error {
	eng, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	defer eng.close()

	turns, err := eng.svc.GetHistory(context.Background(), userID, characterID, limit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Println("No history yet.")
		return nil
	}
	for _, turn := range turns {
		who := characterID
		if turn.Sender == memory.SenderUser {
			who = "You"
		}
		fmt.Printf("%s: %s\n", who, turn.Content)
	}
	return nil
}
