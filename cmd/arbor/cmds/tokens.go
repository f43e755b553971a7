package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/go-go-golems/arbor/pkg/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewTokensCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Count tokens",
	}
	cmd.AddCommand(newTokensCountCommand(), newTokensEstimateCommand())
	return cmd
}

func newTokensCountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count [file]",
		Short: "Count the tokens of a file or of stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() {
					_ = f.Close()
				}()
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}

			s, err := settings.FromViper(viper.GetViper())
			if err != nil {
				return err
			}
			model := s.Chat.Model
			codec, err := prompt.Codec(model)
			if err != nil {
				return err
			}
			count, err := prompt.CountTokens(codec, string(data))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "Model: %s\n", model)
			_, _ = fmt.Fprintf(os.Stdout, "Codec: %s\n", codec.GetName())
			_, _ = fmt.Fprintf(os.Stdout, "Total tokens: %d\n", count)
			return nil
		},
	}
}

func newTokensEstimateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <conversation>",
		Short: "Estimate the prompt size of the next question in a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.OpenConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			snap := st.Snapshot()
			path, err := snap.Tree.CurrentPath()
			if err != nil {
				return err
			}
			assembler, err := prompt.NewAssembler(prompt.WithLengthHintTemplate(app.Settings.Chat.LengthHintTemplate))
			if err != nil {
				return err
			}
			model := snap.Conversation.SelectedModel
			turns := assembler.Assemble(prompt.Input{
				Path:         path,
				Blocks:       snap.Tree.WiredOnPath(path),
				MaxTokens:    snap.Conversation.MaxTokens,
				Capabilities: app.Settings.Chat.Capabilities(model),
			})
			n, err := prompt.EstimateTokens(turns, model)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "Model: %s\nTurns: %d\nEstimated prompt tokens: %d\n", model, len(turns), n)
			return nil
		},
	}
}
