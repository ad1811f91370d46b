// Command chat is a terminal client for one order channel.
//
// Usage:
//
//	CHAT_TOKEN=... go run ./cmd/chat -order ord_demo
//	CHAT_TOKEN=... go run ./cmd/chat -order ord_demo -transport push
//
// Each input line is sent as a message; [IMAGE]url[/IMAGE] markers become
// image blocks. Commands: /retry <id>, /discard <id>, /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mbd888/escrowchat/internal/chatclient"
	"github.com/mbd888/escrowchat/internal/config"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/reconcile"
	"github.com/mbd888/escrowchat/internal/transport"
)

func main() {
	cfg := config.LoadClient()

	orderID := flag.String("order", "", "order channel to join (required)")
	disputeID := flag.String("dispute", "", "link sends to this dispute")
	mode := flag.String("transport", cfg.Transport, "poll or push")
	server := flag.String("server", cfg.ServerURL, "API base URL")
	tok := flag.String("token", cfg.Token, "session token (CHAT_TOKEN)")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if *orderID == "" || *tok == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.NewWithWriter(os.Stderr, *logLevel, "text")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *server, *tok, *orderID, *disputeID, *mode, logger); err != nil {
		logger.Error("chat stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, server, tok, orderID, disputeID, mode string, logger *slog.Logger) error {
	client := chatclient.NewClient(server, tok)

	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	fetch := client.MessagesFetcher(orderID)
	var adapter transport.Adapter
	switch mode {
	case "push":
		adapter = transport.NewPushAdapter(fetch, transport.PushConfig{
			URL:    client.StreamURL(orderID),
			Header: client.AuthHeader(),
		}, logger)
	case "poll":
		adapter = transport.NewPollingAdapter(fetch, cfg.PollInterval, transport.DefaultFetchTimeout, logger)
	default:
		return fmt.Errorf("unknown transport %q", mode)
	}

	rc := reconcile.DefaultConfig()
	if cfg.PendingTTL > 0 {
		rc.TTL = cfg.PendingTTL
	}
	session := chatclient.NewSession(client, adapter, orderID, me.ID, rc, logger).
		WithDispute(disputeID).
		OnChange(func(items []reconcile.Item) { render(me.ID, items) })
	defer func() { _ = session.Close() }()

	errc := make(chan error, 1)
	go func() { errc <- session.Run(ctx) }()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handle(ctx, session, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handle(ctx context.Context, s *chatclient.Session, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit":
		return true
	case "/retry":
		if err := s.Retry(ctx, arg); err != nil {
			fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		}
	case "/discard":
		if err := s.Discard(arg); err != nil {
			fmt.Fprintf(os.Stderr, "discard: %v\n", err)
		}
	default:
		content := message.DecodeWire(line)
		if err := content.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "not sent: %v\n", err)
			return false
		}
		// Failures stay in the view with their local ID for /retry.
		_, _ = s.Send(ctx, content)
	}
	return false
}

func render(self string, items []reconcile.Item) {
	fmt.Print("\033[H\033[2J")
	for _, it := range items {
		who := it.SenderID
		if who == self {
			who = "me"
		}
		var status string
		switch it.Status {
		case reconcile.StatusSending:
			status = " (sending)"
		case reconcile.StatusFailed:
			status = fmt.Sprintf(" (failed: %s; /retry %s)", it.Error, it.ID)
		}
		fmt.Printf("[%s] %s: %s%s\n", it.CreatedAt.Local().Format("15:04"), who, message.EncodeWire(it.Content), status)
	}
}
