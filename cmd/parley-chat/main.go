// Command parley-chat is an interactive terminal chat over the parley client.
// Providers are configured from environment variables (or a .env file); the
// model switches at runtime with /model.
package main

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/parleyai/parley"
	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/obs"
	"github.com/parleyai/parley/prompts"
	_ "github.com/parleyai/parley/providers/anthropic"
	_ "github.com/parleyai/parley/providers/gemini"
	_ "github.com/parleyai/parley/providers/openai"
	"github.com/parleyai/parley/tools"
)

//go:embed prompts
var promptFS embed.FS

type session struct {
	client   *parley.Client
	chat     *parley.Chat
	chatOpts []parley.ChatOption
	reader   *bufio.Reader
	model    string
	stream   bool
	convID   string
	turn     int
}

func main() {
	_ = godotenv.Load()

	model := flag.String("model", parley.ModelGPT4oMini, "provider/model to chat with")
	system := flag.String("system", "", "system prompt (overrides the built-in template)")
	promptDir := flag.String("prompt-dir", "", "directory of name@version.tmpl files shadowing the built-in prompts")
	noStream := flag.Bool("no-stream", false, "wait for complete replies instead of streaming")
	withTools := flag.Bool("tools", false, "expose a demo get_time tool to the model")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	systemPrompt := *system
	if systemPrompt == "" {
		rendered, err := renderSystemPrompt(ctx, *promptDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "render system prompt: %v\n", err)
			os.Exit(1)
		}
		systemPrompt = rendered
	}

	obsOpts := obs.OptionsFromEnv()
	obsOpts.ServiceName = "parley-chat"
	shutdownObs, err := obs.Init(ctx, obsOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observability init warning: %v\n", err)
	}
	defer func() {
		if shutdownObs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownObs(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "observability shutdown error: %v\n", err)
			}
		}
	}()

	client := parley.NewClient()
	if len(client.Providers()) == 0 {
		fmt.Fprintln(os.Stderr, "no providers configured; set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY")
		os.Exit(1)
	}

	chatOpts := []parley.ChatOption{parley.WithSystem(systemPrompt)}
	if *withTools {
		chatOpts = append(chatOpts, parley.WithTools(timeTool()))
	}
	chat, err := client.Chat(*model, chatOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	s := &session{
		client:   client,
		chat:     chat,
		chatOpts: chatOpts,
		reader:   bufio.NewReader(os.Stdin),
		model:    *model,
		stream:   !*noStream,
		convID:   uuid.NewString(),
	}

	fmt.Println("parley-chat — /help for commands, Ctrl+C to exit.")
	fmt.Printf("Providers: %s\n", strings.Join(client.Providers(), ", "))
	fmt.Printf("Model: %s\n\n", s.model)

	for {
		fmt.Print("you> ")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return
			}
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return
			}
			continue
		}
		if err := s.send(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("\ninterrupted")
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func (s *session) command(ctx context.Context, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		fmt.Println("/model <provider/model>  switch models, keeping history")
		fmt.Println("/history                 print the conversation")
		fmt.Println("/save <path>             write the conversation to a JSON file")
		fmt.Println("/load <path>             restore a conversation from a JSON file")
		fmt.Println("/reset                   clear the conversation")
		fmt.Println("/quit                    exit")
	case "/model":
		if arg == "" {
			fmt.Printf("current model: %s\n", s.model)
			return false
		}
		next, err := s.client.Chat(arg, s.chatOpts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return false
		}
		if err := next.Append(s.chat.History()...); err != nil {
			fmt.Fprintf(os.Stderr, "carry history: %v\n", err)
			return false
		}
		s.chat = next
		s.model = arg
		fmt.Printf("switched to %s\n", s.model)
	case "/history":
		for _, turn := range s.chat.History() {
			fmt.Printf("[%s] %s\n", turn.Role, summarizeTurn(turn))
		}
	case "/save":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /save <path>")
			return false
		}
		data, err := json.MarshalIndent(s.chat, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return false
		}
		if err := os.WriteFile(arg, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			return false
		}
		fmt.Printf("saved %d turns to %s\n", s.chat.Len(), arg)
	case "/load":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /load <path>")
			return false
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			return false
		}
		if err := json.Unmarshal(data, s.chat); err != nil {
			fmt.Fprintf(os.Stderr, "decode: %v\n", err)
			return false
		}
		fmt.Printf("loaded %d turns from %s\n", s.chat.Len(), arg)
	case "/reset":
		s.chat.Clear()
		fmt.Println("conversation cleared")
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (s *session) send(ctx context.Context, text string) error {
	start := time.Now()
	var provider string
	var usage core.Usage

	if s.stream {
		stream, err := s.chat.Stream(ctx, parley.TextPart(text))
		if err != nil {
			return err
		}
		fmt.Print("assistant> ")
		for event := range stream.Events() {
			switch event.Type {
			case core.EventTextDelta:
				fmt.Print(event.TextDelta)
			case core.EventToolRequest:
				fmt.Printf("\n[tool] %s(%v)\n", event.ToolRequest.Name, event.ToolRequest.Args)
			case core.EventToolResult:
				if event.ToolResult.Error != "" {
					fmt.Printf("[tool] %s failed: %s\n", event.ToolResult.ID, event.ToolResult.Error)
				}
			case core.EventFinish:
				provider = event.Provider
				usage = event.Usage
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}
		fmt.Printf("\n(%d tokens, %.1fs)\n\n", usage.TotalTokens, time.Since(start).Seconds())
	} else {
		reply, err := s.chat.Send(ctx, parley.TextPart(text))
		if err != nil {
			return err
		}
		provider = reply.Provider
		usage = reply.Usage
		fmt.Printf("assistant> %s\n(%d tokens, %.1fs)\n\n",
			reply.Turn.Text(), reply.Usage.TotalTokens, time.Since(start).Seconds())
	}

	s.turn++
	s.logCompletion(ctx, provider, usage, time.Since(start))
	return nil
}

func (s *session) logCompletion(ctx context.Context, provider string, usage core.Usage, elapsed time.Duration) {
	history := s.chat.History()
	if len(history) == 0 {
		return
	}
	obs.LogCompletion(ctx, obs.Completion{
		Provider:     provider,
		Model:        s.model,
		RequestID:    uuid.NewString(),
		Input:        obs.MessagesFromTurns(history[:len(history)-1]),
		Output:       obs.MessageFromTurn(history[len(history)-1]),
		Usage:        obs.UsageFromCore(usage),
		LatencyMS:    elapsed.Milliseconds(),
		Metadata:     map[string]any{"conversation_id": s.convID, "turn": s.turn},
		ToolCalls:    obs.ToolCallsFromTurns(history),
		CreatedAtUTC: time.Now().UTC().UnixMilli(),
	})
}

// renderSystemPrompt renders the latest registered assistant prompt. Files in
// overrideDir named name@version.tmpl shadow the embedded templates.
func renderSystemPrompt(ctx context.Context, overrideDir string) (string, error) {
	sub, err := fs.Sub(promptFS, "prompts")
	if err != nil {
		return "", err
	}
	var opts []prompts.RegistryOption
	if overrideDir != "" {
		opts = append(opts, prompts.WithOverrideDir(overrideDir))
	}
	registry := prompts.NewRegistry(sub, opts...)
	if err := registry.Reload(); err != nil {
		return "", err
	}
	text, _, err := registry.Render(ctx, "assistant", "", map[string]any{
		"Date": time.Now().Format("2006-01-02"),
	})
	return text, err
}

func timeTool() core.ToolHandle {
	type args struct {
		Timezone string `json:"timezone" description:"IANA timezone, e.g. 'Europe/Berlin'"`
	}
	return tools.NewTyped[args](
		"get_time",
		"Gets the current time in a timezone",
		func(ctx context.Context, in args) (any, error) {
			loc, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		},
	)
}

func summarizeTurn(turn core.Turn) string {
	if requests := turn.ToolRequests(); len(requests) > 0 {
		names := make([]string, 0, len(requests))
		for _, req := range requests {
			names = append(names, req.Name)
		}
		return "tool requests: " + strings.Join(names, ", ")
	}
	if results := turn.ToolResults(); len(results) > 0 {
		return fmt.Sprintf("%d tool results", len(results))
	}
	text := turn.Text()
	if len(text) > 120 {
		return text[:117] + "..."
	}
	return text
}
