package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-go-golems/arbor/pkg/chat"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

const chatHelp = `Commands:
  /image <prompt>      generate an image below the current message
  /model <name>        switch the model of this conversation
  /max-tokens <n>      set the response length hint, 0 disables it
  /title <title>       rename the conversation
  /history             print the current branch
  /leaf <id>           continue from another message
  /root                start a new thread in this conversation
  /reveal <id>         show a hidden reply
  /wire <msg> <block>  wire a context block to a message
  /cost                print the running cost
  /quit                leave
Ctrl-C cancels the reply being streamed.`

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively, continuing a stored conversation or starting a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("conversation")

			app, err := NewApp(WithStreaming("assistant"), WithAPIKeyRequired())
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Run(cmd.Context(), func(ctx context.Context) error {
				st, err := app.OpenConversation(ctx, ref)
				if err != nil {
					return err
				}
				return newREPL(app, st, os.Stdin, os.Stdout).run(ctx)
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation id or id prefix to continue")
	return cmd
}

type repl struct {
	app    *App
	st     *chat.State
	ui     *input.UI
	out    io.Writer
	asRoot bool
}

func newREPL(app *App, st *chat.State, in io.Reader, out io.Writer) *repl {
	return &repl{
		app: app,
		st:  st,
		ui:  &input.UI{Reader: in, Writer: out},
		out: out,
	}
}

func (r *repl) run(ctx context.Context) error {
	snap := r.st.Snapshot()
	_, _ = fmt.Fprintf(r.out, "Conversation %s (%s), type /help for commands.\n",
		snap.Conversation.ID.Short(), snap.Conversation.SelectedModel)

	for {
		line, err := r.ui.Ask(">", &input.Options{HideOrder: true})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				_, _ = fmt.Fprintf(r.out, "error: %s\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		req := chat.SubmitRequest{Text: line, AsRoot: r.asRoot}
		r.asRoot = false
		r.interruptible(ctx, func(ctx context.Context) error {
			_, err := r.app.Orchestrator.Submit(ctx, r.st, req)
			return err
		})
	}
}

// interruptible runs f with Ctrl-C cancelling the active request instead of the program.
func (r *repl) interruptible(ctx context.Context, f func(ctx context.Context) error) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			r.st.Cancel()
		case <-done:
		}
	}()
	err := f(ctx)
	close(done)
	signal.Stop(sigs)

	if err != nil {
		log.Debug().Err(err).Msg("Request ended with an error")
		// the error event was already printed, except for validation failures
		if chat.KindOf(err) == chat.KindValidation {
			_, _ = fmt.Fprintf(r.out, "%s\n", chat.UserMessage(err))
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	o := r.app.Orchestrator

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		_, _ = fmt.Fprintln(r.out, chatHelp)
	case "/image":
		r.interruptible(ctx, func(ctx context.Context) error {
			_, err := o.GenerateImage(ctx, r.st, chat.ImageRequest{Prompt: arg, AsRoot: r.asRoot})
			return err
		})
		r.asRoot = false
	case "/model":
		return false, o.SelectModel(ctx, r.st, arg)
	case "/max-tokens":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, errors.Wrap(err, "max tokens must be a number")
		}
		return false, o.SetMaxTokens(ctx, r.st, n)
	case "/title":
		return false, o.Rename(ctx, r.st, arg)
	case "/history":
		return false, printThread(r.out, r.st.Snapshot().Tree, conversation.NullNode)
	case "/leaf":
		id, err := resolveMessage(r.st.Snapshot().Tree, arg)
		if err != nil {
			return false, err
		}
		return false, r.st.SetCurrentLeaf(id)
	case "/root":
		r.asRoot = true
		_, _ = fmt.Fprintln(r.out, "The next message starts a new thread.")
	case "/reveal":
		id, err := resolveMessage(r.st.Snapshot().Tree, arg)
		if err != nil {
			return false, err
		}
		return false, o.Reveal(ctx, r.st, id)
	case "/wire":
		msgRef, blockRef, ok := strings.Cut(arg, " ")
		if !ok {
			return false, errors.New("usage: /wire <message> <block>")
		}
		tree := r.st.Snapshot().Tree
		msgID, err := resolveMessage(tree, msgRef)
		if err != nil {
			return false, err
		}
		blockID, err := resolveBlock(tree, strings.TrimSpace(blockRef))
		if err != nil {
			return false, err
		}
		return false, o.Wire(ctx, r.st, msgID, blockID)
	case "/cost":
		_, _ = fmt.Fprintf(r.out, "$%.6f\n", r.st.Snapshot().Conversation.Cost)
	default:
		return false, errors.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func NewAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("conversation")
			parent, _ := cmd.Flags().GetString("parent")
			imageURL, _ := cmd.Flags().GetString("image-url")
			contextRefs, _ := cmd.Flags().GetStringSlice("context")
			hide, _ := cmd.Flags().GetBool("hide")

			options := []AppOption{WithAPIKeyRequired()}
			if !hide {
				options = append(options, WithStreaming(""))
			}
			app, err := NewApp(options...)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Run(cmd.Context(), func(ctx context.Context) error {
				st, err := app.OpenConversation(ctx, ref)
				if err != nil {
					return err
				}
				tree := st.Snapshot().Tree
				req := chat.SubmitRequest{
					Text:      strings.Join(args, " "),
					ImageURL:  imageURL,
					HideReply: hide,
				}
				if parent != "" {
					if req.ParentID, err = resolveMessage(tree, parent); err != nil {
						return err
					}
				}
				for _, c := range contextRefs {
					id, err := resolveBlock(tree, c)
					if err != nil {
						return err
					}
					req.ContextIDs = append(req.ContextIDs, id)
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
				defer stop()
				reply, err := app.Orchestrator.Submit(ctx, st, req)
				if err != nil {
					if msg := chat.UserMessage(err); msg != "" {
						return errors.New(msg)
					}
					return err
				}
				if hide {
					_, _ = fmt.Fprintf(os.Stdout, "Reply %s stored hidden.\n", reply.ID.Short())
				}
				log.Info().
					Str("conversation_id", st.ConversationID().String()).
					Str("message_id", reply.ID.String()).
					Msg("Answered")
				return nil
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation id or id prefix, default is a new conversation")
	cmd.Flags().String("parent", "", "Message to branch from instead of the newest message")
	cmd.Flags().String("image-url", "", "Image attached to the question")
	cmd.Flags().StringSlice("context", nil, "Context block ids to wire to the question")
	cmd.Flags().Bool("hide", false, "Store the reply hidden")
	return cmd
}
