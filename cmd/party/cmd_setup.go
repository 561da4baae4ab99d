package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend/postgres"
	"github.com/felixgeelhaar/linkparty/internal/config"
	"github.com/felixgeelhaar/linkparty/internal/queue"
)

// cmdInit initializes Link Party for first-time use
func cmdInit() error {
	fmt.Println("Link Party - First-Time Setup")
	fmt.Println("=============================")
	fmt.Println()

	fmt.Print("Creating ~/.linkparty directory structure... ")
	partyDir, err := config.EnsurePartyDir()
	if err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	fmt.Println("✓")

	configPath := filepath.Join(partyDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Print("Creating default configuration... ")
		if err := config.SaveLocalConfig(config.DefaultLocalConfig()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println("✓")
	} else {
		fmt.Println("Configuration already exists ✓")
	}

	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println()
	fmt.Println("Backend Setup")
	fmt.Println("-------------")
	fmt.Println("Parties live in a backend shared by everyone who wants to join.")
	fmt.Println("The memory backend only works within this daemon; use PostgreSQL")
	fmt.Println("to party with other machines.")
	fmt.Println()

	if cfg.Backend.Postgres.URL != "" {
		fmt.Println("PostgreSQL URL: already configured ✓")
	} else {
		fmt.Print("Enter PostgreSQL URL (or press Enter to keep the memory backend): ")
		url, err := readLine()
		if err != nil {
			return err
		}
		if url != "" {
			if err := saveURL(cfg, "postgres", url); err != nil {
				fmt.Printf("  ⚠ Failed to save: %v\n", err)
			} else {
				fmt.Println("  ✓ Saved, backend set to postgres")
			}
		}
	}

	fmt.Println()
	fmt.Println("Setup Complete!")
	fmt.Println("===============")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. party start     # Start the daemon")
	fmt.Println("  2. party doctor    # Verify configuration")
	fmt.Println("  3. party create    # Start a party")
	fmt.Println()
	fmt.Println("For editor integration, configure MCP with the 'party mcp' command.")

	return nil
}

// cmdDoctor checks that the configured stores are reachable
func cmdDoctor() error {
	fmt.Println("Checking configuration...")

	allGood := true

	fmt.Print("Directory: ")
	partyDir, err := config.PartyDir()
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		allGood = false
	} else if _, err := os.Stat(partyDir); os.IsNotExist(err) {
		fmt.Println("✗ not created (run 'party init')")
		allGood = false
	} else {
		fmt.Printf("✓ %s\n", partyDir)
	}

	fmt.Print("Config:    ")
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("✗ %v\n", err)
		allGood = false
	} else {
		fmt.Println("✓ valid")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Print("Backend:   ")
	switch cfg.Backend.Driver {
	case config.BackendPostgres:
		if err := checkPostgres(ctx, cfg.Backend.Postgres.URL); err != nil {
			fmt.Printf("✗ postgres: %v\n", err)
			allGood = false
		} else {
			fmt.Println("✓ postgres reachable")
		}
	default:
		fmt.Println("✓ memory (parties are local to this daemon)")
	}

	fmt.Printf("Cache:     ✓ %s\n", cfg.Cache.Driver)

	fmt.Print("AMQP:      ")
	switch {
	case !cfg.Notify.AMQP.Enabled:
		fmt.Println("- disabled")
	case cfg.Notify.AMQP.URL == "":
		fmt.Println("✗ enabled but no amqp_url (run 'party backend set-url amqp')")
		allGood = false
	default:
		if err := checkAMQP(cfg.Notify.AMQP.URL, cfg.Notify.AMQP.Exchange); err != nil {
			fmt.Printf("✗ %v\n", err)
			allGood = false
		} else {
			fmt.Printf("✓ exchange %s\n", cfg.Notify.AMQP.Exchange)
		}
	}

	fmt.Print("\nDaemon:    ")
	if isRunning() {
		fmt.Println("✓ running")
	} else {
		fmt.Println("✗ not running (run 'party start')")
	}

	fmt.Println()
	if allGood {
		fmt.Println("All checks passed! ✓")
	} else {
		fmt.Println("Some checks failed. Please fix the issues above.")
	}

	return nil
}

func checkPostgres(ctx context.Context, url string) error {
	store, err := postgres.Open(ctx, url)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Ping(ctx)
}

func checkAMQP(url, exchange string) error {
	conn, err := queue.NewConnection(url, exchange, nil)
	if err != nil {
		return err
	}
	return conn.Close()
}

// cmdConfig shows current configuration
func cmdConfig() error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("Link Party Configuration")

	fmt.Println("Daemon:")
	fmt.Printf("  bind: %s:%d\n", cfg.Daemon.Bind, cfg.Daemon.Port)
	fmt.Printf("  log_level: %s\n", cfg.Daemon.LogLevel)
	fmt.Printf("  command_rate: %d/s\n", cfg.Daemon.CommandRate)

	fmt.Println("\nBackend:")
	fmt.Printf("  driver: %s\n", cfg.Backend.Driver)
	if cfg.Backend.Driver == config.BackendPostgres {
		fmt.Printf("  postgres_url: %s\n", configured(cfg.Backend.Postgres.URL))
		fmt.Printf("  migrate: %t\n", cfg.Backend.Postgres.Migrate)
	}
	fmt.Printf("  startup: %d attempts, %s apart\n", cfg.Backend.Startup.Attempts, cfg.Backend.Startup.Delay)
	fmt.Printf("  breaker: open %s, reset every %s\n", cfg.Backend.Breaker.Timeout, cfg.Backend.Breaker.Interval)

	fmt.Println("\nCache:")
	fmt.Printf("  driver: %s\n", cfg.Cache.Driver)

	fmt.Println("\nNotify:")
	fmt.Printf("  amqp: enabled=%t exchange=%s url=%s\n",
		cfg.Notify.AMQP.Enabled, cfg.Notify.AMQP.Exchange, configured(cfg.Notify.AMQP.URL))

	if cfg.Opener.Command != "" {
		fmt.Println("\nOpener:")
		fmt.Printf("  command: %s\n", cfg.Opener.Command)
	}

	partyDir, _ := config.PartyDir()
	fmt.Printf("\nConfig path: %s/config.yaml\n", partyDir)

	return nil
}

func configured(secret string) string {
	if secret == "" {
		return "✗"
	}
	return "✓"
}

// cmdBackend manages backend and broker connection strings
func cmdBackend(args []string) error {
	if len(args) < 1 {
		fmt.Println(`Backend commands:

  party backend use <memory|postgres>     Select the party backend
  party backend set-url <postgres|amqp>   Store a connection string`)
		return nil
	}

	switch args[0] {
	case "use":
		if len(args) < 2 {
			return fmt.Errorf("backend driver required")
		}
		return cmdBackendUse(args[1])
	case "set-url":
		if len(args) < 2 {
			return fmt.Errorf("target required (postgres or amqp)")
		}
		return cmdBackendSetURL(args[1])
	default:
		return fmt.Errorf("unknown backend command: %s", args[0])
	}
}

func cmdBackendUse(driver string) error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg.Backend.Driver = driver
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveLocalConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Backend set to %s\n", driver)
	fmt.Println("Restart the daemon for changes to take effect.")
	return nil
}

func cmdBackendSetURL(target string) error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if target != "postgres" && target != "amqp" {
		return fmt.Errorf("unknown target: %s (valid: postgres, amqp)", target)
	}

	fmt.Printf("Enter %s URL: ", target)
	url, err := readLine()
	if err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	if err := saveURL(cfg, target, url); err != nil {
		return err
	}

	fmt.Printf("✓ %s URL saved\n", target)
	fmt.Println("Restart the daemon for changes to take effect.")
	return nil
}

// saveURL stores url in secrets.yaml and switches the config over to it.
func saveURL(cfg *config.LocalConfig, target, url string) error {
	secrets := config.SecretsConfig{
		PostgresURL: cfg.Backend.Postgres.URL,
		AMQPURL:     cfg.Notify.AMQP.URL,
	}

	switch target {
	case "postgres":
		secrets.PostgresURL = url
		cfg.Backend.Driver = config.BackendPostgres
	case "amqp":
		secrets.AMQPURL = url
		cfg.Notify.AMQP.Enabled = true
	}

	if err := config.SaveSecrets(secrets); err != nil {
		return fmt.Errorf("save secrets: %w", err)
	}
	if err := config.SaveLocalConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
