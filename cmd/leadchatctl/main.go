package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/referly/leadchat/internal/api"
	"github.com/referly/leadchat/internal/client"
	"github.com/referly/leadchat/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	waitFlag := flag.Bool("wait", true, "send: wait until the message is confirmed")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// tail runs until interrupted; everything else gets a deadline.
	if args[0] == "tail" {
		need(args, 2, "tail <conversation-id>")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdTail(ctx, c, args[1], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, len(args) > 1 && args[1] == "--refresh", *jsonFlag)
	case "open":
		need(args, 2, "open <conversation-id>")
		cmdOpen(ctx, c, args[1], *jsonFlag)
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *waitFlag, *jsonFlag)
	case "retry":
		need(args, 3, "retry <conversation-id> <client-id>")
		resp, err := c.Retry(ctx, args[1], args[2])
		if err != nil {
			fatal(err)
		}
		printMessage(resp.Message, *jsonFlag)
	case "discard":
		need(args, 3, "discard <conversation-id> <client-id>")
		if err := c.Discard(ctx, args[1], args[2]); err != nil {
			fatal(err)
		}
		fmt.Println("Discarded.")
	case "read":
		need(args, 2, "read <conversation-id>")
		if err := c.MarkRead(ctx, args[1]); err != nil {
			fatal(err)
		}
		fmt.Println("Marked read.")
	case "dismiss":
		if err := c.DismissNotice(ctx); err != nil {
			fatal(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: leadchatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]      List conversations")
	fmt.Fprintln(os.Stderr, "  open <id>                      Select a conversation and print it")
	fmt.Fprintln(os.Stderr, "  send <id> <text>               Send a message (--wait=false to return at once)")
	fmt.Fprintln(os.Stderr, "  retry <id> <client-id>         Re-send a failed message")
	fmt.Fprintln(os.Stderr, "  discard <id> <client-id>       Drop a failed message")
	fmt.Fprintln(os.Stderr, "  read <id>                      Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  tail <id>                      Follow a conversation")
	fmt.Fprintln(os.Stderr, "  dismiss                        Dismiss the current notice")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: leadchatctl %s\n", usage)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	resp, err := c.Status(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:       %s\n", resp.Profile)
	fmt.Printf("Conversation:  %s\n", orDash(resp.ActiveConversation))
	fmt.Printf("Connection:    %s\n", resp.Connection)
	fmt.Printf("Conversations: %d\n", resp.Conversations)
	fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	if resp.Notice != "" {
		fmt.Printf("Notice:        %s\n", resp.Notice)
	}
}

func cmdConversations(ctx context.Context, c *client.Client, refresh, jsonOut bool) {
	var (
		resp *api.ConversationsResponse
		err  error
	)
	if refresh {
		resp, err = c.Load(ctx)
	} else {
		resp, err = c.ListConversations(ctx)
	}
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if resp.Notice != "" {
		fmt.Fprintf(os.Stderr, "notice: %s\n", resp.Notice)
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range resp.Conversations {
		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", conv.UnreadCount)
		}
		fmt.Printf("%-10s %-24s%s  %s\n", conv.ID, conv.Name, unread, conv.Preview)
	}
}

func cmdOpen(ctx context.Context, c *client.Client, id string, jsonOut bool) {
	sel, err := c.Select(ctx, id)
	if err != nil {
		fatal(err)
	}
	msgs, err := c.Messages(ctx, id, 50)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(map[string]any{"conversation": sel, "messages": msgs.Messages})
		return
	}
	fmt.Printf("%s [%s]\n\n", sel.Conversation.Name, sel.Connection)
	for _, m := range msgs.Messages {
		printMessage(m, false)
	}
}

func cmdSend(ctx context.Context, c *client.Client, id, body string, wait, jsonOut bool) {
	resp, err := c.Send(ctx, &api.SendRequest{ConversationID: id, Body: body, Wait: wait})
	if err != nil {
		fatal(err)
	}
	printMessage(resp.Message, jsonOut)
}

func cmdTail(ctx context.Context, c *client.Client, id string, jsonOut bool) {
	if _, err := c.Select(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	msgs, err := c.Messages(ctx, id, 20)
	if err != nil {
		fatal(err)
	}
	for _, m := range msgs.Messages {
		printMessage(m, jsonOut)
	}

	err = c.Watch(ctx, &api.WatchRequest{ConversationID: id}, func(evt *api.EventEnvelope) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		switch {
		case evt.Message != nil:
			printMessage(*evt.Message, false)
		case evt.Status != nil:
			fmt.Printf("-- connection %s\n", evt.Status.To)
		}
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		fatal(err)
	}
}

func printMessage(m api.Message, jsonOut bool) {
	if jsonOut {
		outputJSON(m)
		return
	}
	id := m.ID
	if id == "" {
		id = m.ClientID
	}
	line := fmt.Sprintf("%s  %-10s %s", m.CreatedAt.Local().Format("15:04"), orDash(m.SenderRole), m.Body)
	switch m.State {
	case "PENDING":
		line += "  (sending)"
	case "FAILED":
		line += fmt.Sprintf("  (failed: %s; retry with client id %s)", m.Error, m.ClientID)
	}
	fmt.Printf("[%s] %s\n", id, line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
