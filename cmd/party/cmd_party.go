package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/config"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/queue"
)

const commandTimeout = 30 * time.Second

// requireDaemon fails with a hint when the daemon is not running.
func requireDaemon() error {
	if !isRunning() {
		return fmt.Errorf("daemon not running (run 'party start' first)")
	}
	return nil
}

// explain adds a hint to errors the user can act on.
func explain(err error) error {
	if errors.Is(err, domain.ErrBackendUnavailable) {
		return fmt.Errorf("%w\n  the backend is not reachable yet; see 'party status' and 'party logs'", err)
	}
	return err
}

func printState(st domain.State) {
	if !st.Active() {
		fmt.Println("Not in a party.")
		return
	}
	link := st.SharedLink
	if link == "" {
		link = "(nothing shared yet)"
	}
	fmt.Printf("Party:     %s\n", st.PartyCode)
	fmt.Printf("Session:   %s\n", st.SessionID)
	fmt.Printf("Link:      %s\n", link)
}

func cmdState() error {
	if err := requireDaemon(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	st, err := newClient().State(ctx)
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	printState(st)
	return nil
}

func cmdCreate() error {
	if err := requireDaemon(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	created, err := newClient().Create(ctx)
	if err != nil {
		return explain(err)
	}
	fmt.Printf("✓ Party created: %s\n", created.PartyCode)
	fmt.Printf("Others can join with 'party join %s'\n", created.PartyCode)
	return nil
}

func cmdJoin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("party code required (party join <code>)")
	}
	if err := requireDaemon(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	st, err := newClient().Join(ctx, args[0])
	if err != nil {
		return explain(err)
	}
	fmt.Println("✓ Joined")
	printState(st)
	return nil
}

func cmdLeave() error {
	if err := requireDaemon(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := newClient().Leave(ctx); err != nil {
		return explain(err)
	}
	fmt.Println("✓ Left the party")
	return nil
}

func cmdShare(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("link required (party share <url>)")
	}
	if err := requireDaemon(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := newClient().Share(ctx, args[0]); err != nil {
		return explain(err)
	}
	fmt.Println("✓ Link shared")
	return nil
}

// cmdOpen opens the given URL, or the party's shared link.
func cmdOpen(args []string) error {
	if err := requireDaemon(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	c := newClient()
	var url string
	if len(args) > 0 {
		url = args[0]
	} else {
		st, err := c.State(ctx)
		if err != nil {
			return fmt.Errorf("get state: %w", err)
		}
		if st.SharedLink == "" {
			return fmt.Errorf("nothing shared in the current party")
		}
		url = st.SharedLink
	}

	if err := c.Open(ctx, url); err != nil {
		return err
	}
	fmt.Printf("✓ Opened %s\n", url)
	return nil
}

// cmdWatch follows the local daemon, or with --amqp every daemon publishing
// to the configured exchange.
func cmdWatch(args []string) error {
	useAMQP := false
	for _, arg := range args {
		switch arg {
		case "--amqp":
			useAMQP = true
		default:
			return fmt.Errorf("unknown watch flag: %s (valid: --amqp)", arg)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if useAMQP {
		return watchBroker(ctx)
	}

	if err := requireDaemon(); err != nil {
		return err
	}
	fmt.Println("Watching party state (Ctrl+C to stop)...")
	return newClient().Watch(ctx, func(st domain.State) {
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), describe(st))
	})
}

func watchBroker(ctx context.Context) error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Notify.AMQP.URL == "" {
		return fmt.Errorf("no amqp_url configured (run 'party backend set-url amqp')")
	}

	conn, err := queue.NewConnection(cfg.Notify.AMQP.URL, cfg.Notify.AMQP.Exchange, nil)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Watching exchange %s (Ctrl+C to stop)...\n", conn.Exchange())
	watcher := queue.NewWatcher(conn, func(event queue.StateEvent) {
		fmt.Printf("[%s] %s: %s\n", event.Timestamp.Local().Format("15:04:05"), event.Source, describe(event.State))
	}, nil)

	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func describe(st domain.State) string {
	if !st.Active() {
		return "not in a party"
	}
	if st.SharedLink == "" {
		return fmt.Sprintf("party %s, nothing shared", st.PartyCode)
	}
	return fmt.Sprintf("party %s → %s", st.PartyCode, st.SharedLink)
}
