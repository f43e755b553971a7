package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/arbor/pkg/chat"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewImageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image <prompt>",
		Short: "Generate an image and store it in a conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("conversation")
			model, _ := cmd.Flags().GetString("image-model")
			width, _ := cmd.Flags().GetInt("width")
			height, _ := cmd.Flags().GetInt("height")

			app, err := NewApp(WithAPIKeyRequired())
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return app.Run(ctx, func(ctx context.Context) error {
				st, err := app.OpenConversation(ctx, ref)
				if err != nil {
					return err
				}
				reply, err := app.Orchestrator.GenerateImage(ctx, st, chat.ImageRequest{
					Prompt: strings.Join(args, " "),
					Model:  model,
					Width:  width,
					Height: height,
				})
				if err != nil {
					if msg := chat.UserMessage(err); msg != "" {
						return errors.New(msg)
					}
					return err
				}
				_, err = fmt.Fprintf(os.Stdout, "%s\n(cost $%.4f, conversation %s)\n",
					reply.ImageURL, reply.Cost, st.ConversationID().Short())
				return err
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation id or id prefix, default is a new conversation")
	cmd.Flags().String("image-model", "", "Image model, default from image.model")
	cmd.Flags().Int("width", 0, "Image width")
	cmd.Flags().Int("height", 0, "Image height")
	return cmd
}
