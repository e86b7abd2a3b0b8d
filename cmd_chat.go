package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"streamwise/chat"
	"streamwise/db"
	"streamwise/utils"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat",
	Long: `Starts a line-based chat on the active conversation.

Plain lines are sent to the model. Commands:
  /new                  start a new conversation
  /list                 list conversations
  /switch <id>          make a conversation active
  /delete <id>          delete a conversation
  /image <path> <text>  send an image with a prompt
  /system <text>        set the system prompt of the active conversation
  /search on|off        toggle web search for the active conversation
  /quit                 exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "warn")
	if err != nil {
		return err
	}
	defer a.Close()

	r := &repl{app: a, out: cmd.OutOrStdout(), attachments: utils.NewAttachmentBuilder()}
	return r.run(ctx, cmd.InOrStdin())
}

type repl struct {
	app         *app
	out         io.Writer
	attachments *utils.AttachmentBuilder
}

func (r *repl) printf(format string, v ...interface{}) {
	fmt.Fprintf(r.out, format, v...)
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	if r.app.settings.CurrentAPIKey() == nil {
		r.printf("No API key configured. Add one with: streamwise keys add <key>\n")
	}
	r.printHeader()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			r.printf("\n")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := r.handle(ctx, line)
		if err != nil {
			r.printf("Error: %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) printHeader() {
	if conv := r.app.engine.CurrentConversation(); conv != nil {
		r.printf("Conversation %q (%s, %s)\n", conv.Title, shortID(conv.ID), conv.ModelID)
	}
}

const historyLines = 6

// printHistory shows the last n messages of the active conversation
func (r *repl) printHistory(n int) {
	conv := r.app.engine.CurrentConversation()
	if conv == nil {
		return
	}
	messages := conv.Messages
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	for _, msg := range messages {
		rendered := chat.RenderMessage(msg)
		var pieces []string
		for _, p := range rendered.Parts {
			switch {
			case p.Type != db.PartInputImage:
				pieces = append(pieces, p.Text)
			case p.Unavailable:
				pieces = append(pieces, "[image unavailable]")
			default:
				pieces = append(pieces, fmt.Sprintf("[image %dx%d]", p.Width, p.Height))
			}
		}
		if len(pieces) == 0 {
			pieces = append(pieces, chat.StatusLabel(rendered.Status))
		}
		r.printf("%s: %s\n", msg.Role, strings.Join(pieces, " "))
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, db.MessageDraft{Role: db.RoleUser, Content: db.TextContent(line)})
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	engine := r.app.engine

	switch command {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		conv, err := engine.CreateConversation(ctx, r.app.settings.SelectedModel().ID, chat.DefaultModelSettings(), r.app.settings.SystemMessage(), nil)
		if err != nil {
			return false, err
		}
		r.printf("Started %s\n", shortID(conv.ID))
	case "/list":
		printConversations(r.out, engine)
	case "/switch":
		id, err := resolveConversation(engine, rest)
		if err != nil {
			return false, err
		}
		if err := engine.SetCurrentConversationByID(ctx, id); err != nil {
			return false, err
		}
		r.printHeader()
		r.printHistory(historyLines)
	case "/delete":
		id, err := resolveConversation(engine, rest)
		if err != nil {
			return false, err
		}
		if err := engine.DeleteConversation(ctx, id); err != nil {
			return false, err
		}
		r.printf("Deleted %s\n", shortID(id))
		r.printHeader()
	case "/image":
		path, text, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, fmt.Errorf("usage: /image <path> <text>")
		}
		part, err := r.attachments.FromFile(path)
		if err != nil {
			return false, err
		}
		parts := []db.ContentPart{}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, db.ContentPart{Type: db.PartInputText, Text: text})
		}
		parts = append(parts, part)
		return false, r.send(ctx, db.MessageDraft{Role: db.RoleUser, Content: db.PartsContent(parts...)})
	case "/system":
		return false, r.updateCurrent(ctx, func(conv *db.Conversation) {
			conv.SystemMessage = rest
		})
	case "/search":
		enabled := rest == "on"
		if !enabled && rest != "off" {
			return false, fmt.Errorf("usage: /search on|off")
		}
		return false, r.updateCurrent(ctx, func(conv *db.Conversation) {
			conv.WebSearchEnabled = enabled
		})
	default:
		return false, fmt.Errorf("unknown command %s", command)
	}
	return false, nil
}

func (r *repl) updateCurrent(ctx context.Context, fn func(*db.Conversation)) error {
	conv := r.app.engine.CurrentConversation()
	if conv == nil {
		return chat.ErrNoActiveConversation
	}
	fn(conv)
	if err := r.app.engine.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	r.printf("OK\n")
	return nil
}

// send streams the assistant reply to the terminal as it grows
func (r *repl) send(ctx context.Context, draft db.MessageDraft) error {
	updates, unsubscribe := r.app.engine.Subscribe(64)
	defer unsubscribe()

	type result struct {
		msg *db.Message
		err error
	}
	settled := make(chan result, 1)
	placeholder, err := r.app.engine.SendMessageAndStreamAsync(ctx, draft, func(m *db.Message, err error) {
		settled <- result{msg: m, err: err}
	})
	if err != nil {
		return err
	}

	printed := ""
	statusShown := false
	for {
		select {
		case u := <-updates:
			if u.Conversation == nil {
				continue
			}
			idx := u.Conversation.MessageIndex(placeholder.ID)
			if idx < 0 {
				continue
			}
			msg := u.Conversation.Messages[idx]
			text := msg.Content.PlainText()
			if text == "" && msg.Status != db.StatusNone && !statusShown {
				r.printf("(%s)\n", chat.StatusLabel(msg.Status))
				statusShown = true
			}
			if strings.HasPrefix(text, printed) && len(text) > len(printed) {
				r.printf("%s", text[len(printed):])
				printed = text
			}
		case res := <-settled:
			if res.err != nil {
				r.printf("\n")
				return res.err
			}
			final := res.msg.Content.PlainText()
			switch {
			case strings.HasPrefix(final, printed):
				r.printf("%s\n", final[len(printed):])
			default:
				r.printf("\n%s\n", final)
			}
			return nil
		}
	}
}

// resolveConversation accepts a full id or a unique prefix
func resolveConversation(engine *chat.Engine, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("conversation id required")
	}
	match := ""
	for _, conv := range engine.Conversations() {
		if conv.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(conv.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("ambiguous conversation id %q", ref)
			}
			match = conv.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", chat.ErrConversationNotFound, ref)
	}
	return match, nil
}

func printConversations(w io.Writer, engine *chat.Engine) {
	current := engine.CurrentConversation()
	for _, conv := range engine.Conversations() {
		marker := " "
		if current != nil && current.ID == conv.ID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s  %-40s  %3d msgs  %s\n",
			marker, shortID(conv.ID), conv.Title, len(conv.Messages), conv.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
