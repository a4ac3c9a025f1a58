package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"callrelay-backend/internal/client/chat"
	"callrelay-backend/internal/domain"
)

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send one chat message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation; lines typed on stdin are sent",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

func runSend(cmd *cobra.Command, args []string) error {
	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := app.Chat.Open(ctx, args[0]); err != nil {
		return err
	}
	msg, err := app.Chat.Send(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("sent id=%s\n", msg.ID)
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	history, err := app.Chat.Open(ctx, args[0])
	if err != nil {
		return err
	}
	for _, msg := range history {
		printMessage(app.UserID, msg)
	}

	sub := app.Chat.OnUpdate(func(u chat.Update) {
		switch u.Kind {
		case chat.UpdateTimeline:
			if u.Message != nil && u.Message.Status != domain.MessageSending {
				printMessage(app.UserID, *u.Message)
			}
		case chat.UpdateTyping:
			if peers := app.Chat.TypingPeers(); len(peers) > 0 {
				fmt.Printf("  %s typing...\n", strings.Join(peers, ", "))
			}
		case chat.UpdatePreview:
			if u.Message != nil {
				fmt.Printf("  [%s] new message (%d unread)\n", u.ConversationID, app.Chat.Unread(u.ConversationID))
			}
		}
	})
	defer sub.Unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			app.Chat.Keystroke()
			if _, err := app.Chat.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func printMessage(self string, msg domain.Message) {
	sender := msg.SenderID
	if sender == self {
		sender = "me"
	}
	status := ""
	if msg.Status == domain.MessageFailed {
		status = " (failed)"
	}
	fmt.Printf("%s %-12s %s%s\n", msg.CreatedAt.Local().Format(time.Kitchen), sender, msg.Content, status)
}
