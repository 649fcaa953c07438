package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lectern/lectern/internal/app"
	"github.com/lectern/lectern/internal/config"
	"github.com/lectern/lectern/internal/thread"
)

var chatAgentMode bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatAgentMode, "agent", false,
		"run an agent conversation with document tools instead of plain chat")
	rootCmd.AddCommand(chatCmd)
}

const chatSystemPrompt = `You are Lectern, an assistant that helps people
read and understand documents. Answer from the ingested documents when
possible and say so when they do not cover the question.`

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	kind := thread.KindChat
	if chatAgentMode {
		kind = thread.KindAgent
	}

	conv, err := a.Chat.CreateConversation(ctx, kind, chatSystemPrompt, nil)
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	fmt.Printf("Lectern ready (conversation %s). Type your question, or /quit to exit.\n\n", conv.ID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}

		placeholderID, err := a.Chat.SendMessage(ctx, conv.ID, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		sub := a.Chat.Stream(placeholderID)
		for chunk := range sub.C() {
			fmt.Print(chunk)
		}
		sub.Close()
		fmt.Print("\n\n")
	}
	return scanner.Err()
}
