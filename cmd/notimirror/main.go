package main

import (
	"fmt"
	"os"

	"github.com/jpalka/notimirror/internal/config"
	"github.com/jpalka/notimirror/internal/web"
)

const Version = "0.3.1"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"daemon"}
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("notimirror v%s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	case "daemon":
		handleDaemon(args[1:])
	case "status":
		handleStatus(args[1:])
	case "config":
		handleConfig(args[1:])
	case "push-keys":
		handlePushKeys(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: notimirror <command> [options]")
	fmt.Println()
	fmt.Println("Notification mirroring daemon: dedupes, filters, and projects")
	fmt.Println("phone notifications to connected clients.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  daemon      Run the mirroring daemon (default)")
	fmt.Println("  status      Check whether a daemon is running and healthy")
	fmt.Println("  config      Print the resolved config file path")
	fmt.Println("  push-keys   Ensure and print the Web Push VAPID public key")
	fmt.Println("  version     Print version")
	fmt.Println()
	fmt.Println("Run 'notimirror daemon --help' for daemon options.")
}

func handleConfig(args []string) {
	_ = args
	path, err := config.GetUserConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve config path: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(path)
}

func handlePushKeys(args []string) {
	_ = args
	dataDir, err := config.GetDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve data dir: %v\n", err)
		os.Exit(1)
	}
	push := config.GetPushSettings()
	publicKey, _, generated, err := web.EnsurePushVAPIDKeys(dataDir, push.Subscriber)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare push keys: %v\n", err)
		os.Exit(1)
	}
	if generated {
		fmt.Println("Generated new VAPID keypair.")
	}
	fmt.Printf("VAPID public key: %s\n", publicKey)
}
