package main

import (
	"fmt"
	"os"
)

// Version is set at build time via ldflags
var Version = "dev"

const pidFile = "partyd.pid"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit()
	case "start":
		err = cmdStart()
	case "stop":
		err = cmdStop()
	case "status":
		err = cmdStatus()
	case "logs":
		err = cmdLogs()
	case "doctor":
		err = cmdDoctor()
	case "config":
		err = cmdConfig()
	case "backend":
		err = cmdBackend(args)
	case "state":
		err = cmdState()
	case "create":
		err = cmdCreate()
	case "join":
		err = cmdJoin(args)
	case "leave":
		err = cmdLeave()
	case "share":
		err = cmdShare(args)
	case "open":
		err = cmdOpen(args)
	case "watch":
		err = cmdWatch(args)
	case "mcp":
		err = cmdMCP()
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Printf("party %s\n", Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Link Party - share one link with a group

Usage:
  party <command> [arguments]

Setup Commands:
  init              Initialize Link Party (first-time setup)
  doctor            Check backend, cache and broker connectivity
  config            Show current configuration
  backend           Configure backend and broker connection strings

Daemon Commands:
  start             Start the party daemon
  stop              Stop the party daemon
  status            Show daemon status
  logs              View daemon logs

Party Commands:
  state             Show the current party
  create            Create a party and print its code
  join <code>       Join a party by code
  leave             Leave the current party
  share <url>       Share a link with the current party
  open [url]        Open a link (default: the shared link)
  watch [--amqp]    Follow state changes (--amqp: every daemon on the broker)

Integration Commands:
  mcp               Start MCP server (for editor integration)

Other:
  help              Show this help message
  version           Show version information

Examples:
  party start                          # Start daemon
  party create                         # Start a party, prints the code
  party join qx7k2m                    # Join a friend's party
  party share https://example.com      # Everyone in the party sees it
  party backend set-url postgres       # Use a shared PostgreSQL backend`)
}
