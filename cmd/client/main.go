package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pinghub/internal/client"
	"pinghub/pkg/chat"

	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	url := flag.String("url", "ws://localhost:3001/ws", "Server websocket endpoint")
	level := flag.String("log-level", "WARN", "Log level")
	flag.Parse()

	log := logs.GetLoggerFromString(*level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := client.NewManager(*url, client.Options{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		RefreshPresence:   true,
	}, log)
	defer manager.Close()

	shell := NewShell(manager, os.Stdout)
	shell.Bind()
	defer shell.Unbind()

	// Re-announce the identity after the transport comes back.
	disposeStatus := manager.OnStatus(func(status client.Status) {
		shell.println(infoStyle.Render("[" + string(status) + "]"))
		if status != client.StatusConnected {
			return
		}
		if user := shell.User(); user != nil {
			_ = manager.Emit(chat.EventUserReconnect, chat.UserRef{UserID: user.UserID, Username: user.Username, Email: user.Email})
		}
	})
	defer disposeStatus()

	if err := manager.Connect(ctx); err != nil {
		return err
	}
	shell.println(helpText)
	return shell.Run(ctx, os.Stdin)
}
