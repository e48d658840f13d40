package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"wxbot/internal/domain"
)

// CLI implements domain.Channel as a local REPL. It is the quickest way
// to poke the plugin chain without a gateway: type a trigger, read the
// reply. Attachment flows can be exercised with /img.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until context is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound("cli", func(msg domain.OutboundMessage) {
		if msg.Content != "" {
			_, _ = fmt.Fprintln(c.out, msg.Content)
		}
		for _, ref := range msg.Images {
			_, _ = fmt.Fprintf(c.out, "[image] %s\n", ref)
		}
		_, _ = fmt.Fprint(c.out, "you> ")
	})

	_, _ = fmt.Fprintln(c.out, "wxbot chat. Type a plugin command (e.g. \"sf 你好\"). /img <ref> sends an attachment, /quit exits.")
	_, _ = fmt.Fprint(c.out, "you> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "you> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		msg := domain.InboundMessage{
			Channel:  "cli",
			ChatID:   "direct",
			SenderID: "local",
		}
		if ref, ok := strings.CutPrefix(line, "/img "); ok {
			msg.Attachments = []string{strings.TrimSpace(ref)}
			_, _ = fmt.Fprint(c.out, "you> ")
		} else {
			msg.Content = line
		}
		c.bus.Publish(msg)
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	_, err := fmt.Fprintln(c.out, content)
	return err
}
