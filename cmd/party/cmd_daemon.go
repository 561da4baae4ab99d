package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/client"
	"github.com/felixgeelhaar/linkparty/internal/config"
)

// daemonAddr returns the base URL of the local daemon as configured.
func daemonAddr() string {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return client.DefaultAddr
	}
	return addrFor(cfg)
}

func addrFor(cfg *config.LocalConfig) string {
	host := cfg.Daemon.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Daemon.Port))
}

func newClient() *client.Client {
	return client.New(daemonAddr())
}

// cmdStart starts the daemon in the background
func cmdStart() error {
	if isRunning() {
		fmt.Println("✓ Daemon is already running")
		return nil
	}

	partyDir, err := config.EnsurePartyDir()
	if err != nil {
		return fmt.Errorf("setup party directory: %w", err)
	}

	partydPath, err := findDaemonBinary()
	if err != nil {
		return fmt.Errorf("find daemon binary: %w", err)
	}

	cmd := exec.Command(partydPath)
	cmd.Dir = partyDir
	cmd.Stdout = nil
	cmd.Stderr = nil

	// Detach from parent process (platform-specific)
	configureDaemonProcess(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Print("Starting daemon...")
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if isRunning() {
			fmt.Println(" ✓")
			fmt.Printf("Daemon running at %s\n", daemonAddr())
			return nil
		}
		fmt.Print(".")
	}

	fmt.Println(" ✗")
	return fmt.Errorf("daemon failed to start (check logs with 'party logs')")
}

// cmdStop stops the daemon
func cmdStop() error {
	if !isRunning() {
		fmt.Println("Daemon is not running")
		return nil
	}

	partyDir, err := config.PartyDir()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(partyDir, pidFile))
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Print("Stopping daemon...")
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isRunning() {
			fmt.Println(" ✓")
			return nil
		}
		fmt.Print(".")
	}

	fmt.Println(" ✗")
	return fmt.Errorf("daemon did not stop gracefully")
}

// cmdStatus shows daemon status
func cmdStatus() error {
	if !isRunning() {
		fmt.Println("Status: stopped")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := newClient().Status(ctx)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	ready := "waiting"
	if status.BackendReady {
		ready = "ready"
	}

	fmt.Printf("Status:    %s\n", status.Status)
	fmt.Printf("Version:   %s\n", status.Version)
	fmt.Printf("Uptime:    %s\n", status.Uptime)
	fmt.Printf("Backend:   %s (%s)\n", status.Backend, ready)
	fmt.Printf("Cache:     %s\n", status.Cache)
	fmt.Printf("AMQP:      %t\n", status.AMQP)
	fmt.Printf("Observers: %d\n", status.Observers)
	fmt.Printf("Badge:     %s\n", badgeText(status.Badge.Text))
	fmt.Printf("Address:   %s\n", daemonAddr())
	fmt.Println()
	printState(status.State)

	return nil
}

func badgeText(text string) string {
	if text == "" {
		return "(blank)"
	}
	return text
}

// cmdLogs shows daemon logs
func cmdLogs() error {
	partyDir, err := config.PartyDir()
	if err != nil {
		return err
	}

	logPath := filepath.Join(partyDir, "logs", "partyd.log")

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Println("No log file found. Start the daemon first.")
		return nil
	}

	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	// Seek to end and go back ~4KB for recent logs
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	offset := info.Size() - 4096
	if offset < 0 {
		offset = 0
	}
	_, _ = file.Seek(offset, 0)

	reader := bufio.NewReader(file)
	// Skip partial first line if we seeked
	if offset > 0 {
		_, _ = reader.ReadString('\n')
	}

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}

	return scanner.Err()
}

// isRunning checks if the daemon is running by calling the health endpoint
func isRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return newClient().Health(ctx) == nil
}

// findDaemonBinary locates the partyd binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath("partyd"); err == nil {
		return path, nil
	}

	// Check relative to this binary
	self, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(self), "partyd")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	locations := []string{
		"/usr/local/bin/partyd",
		"./partyd",
		"./cmd/partyd/partyd",
	}

	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("partyd binary not found (build with 'go build ./cmd/partyd')")
}
