package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/ingest"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage context blocks and wire them to messages",
	}
	cmd.AddCommand(
		newContextAddCommand(),
		newContextListCommand(),
		newContextRemoveCommand(),
		newContextWireCommand(true),
		newContextWireCommand(false),
	)
	return cmd
}

func newContextAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a context block from --text or from a --file (.txt, .md, .html)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			text, _ := cmd.Flags().GetString("text")
			file, _ := cmd.Flags().GetString("file")

			type_ := conversation.ContextBlockText
			switch {
			case text != "" && file != "":
				return errors.New("use either --text or --file")
			case file != "":
				doc, err := ingest.File(file)
				if err != nil {
					return err
				}
				type_, text = conversation.ContextBlockFile, doc.Content
				if title == "" {
					title = doc.Title
				}
			case text == "":
				return errors.New("--text or --file is required")
			}
			if title == "" {
				title = firstWords(text, 6)
			}

			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			b, err := app.Orchestrator.AddContextBlock(cmd.Context(), nil, type_, title, text)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "Added %s %q\n", b.ID.Short(), b.Title)
			return nil
		},
	}
	cmd.Flags().String("title", "", "Title of the block")
	cmd.Flags().String("text", "", "Content of the block")
	cmd.Flags().String("file", "", "File to ingest")
	return cmd
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		return strings.Join(words[:n], " ") + "..."
	}
	return strings.Join(words, " ")
}

func newContextListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List context blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			blocks, err := app.Store.ListContextBlocks(cmd.Context(), app.Settings.Chat.OwnerID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTYPE\tTITLE\tSIZE")
			for _, b := range blocks {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", b.ID.Short(), b.Type, b.Title, len(b.Content))
			}
			return w.Flush()
		},
	}
}

func (a *App) resolveStoredBlock(ctx context.Context, ref string) (conversation.NodeID, error) {
	blocks, err := a.Store.ListContextBlocks(ctx, a.Settings.Chat.OwnerID)
	if err != nil {
		return conversation.NullNode, err
	}
	var matches []conversation.NodeID
	for _, b := range blocks {
		if strings.HasPrefix(b.ID.String(), ref) {
			matches = append(matches, b.ID)
		}
	}
	return single(ref, "context block", matches)
}

func newContextRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <block>",
		Short: "Remove a context block and unwire it from every message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			id, err := app.resolveStoredBlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = app.Orchestrator.RemoveContextBlock(cmd.Context(), nil, id)
			return err
		},
	}
}

func newContextWireCommand(wire bool) *cobra.Command {
	use, short := "wire", "Wire a context block to a message"
	if !wire {
		use, short = "unwire", "Unwire a context block from a message"
	}
	return &cobra.Command{
		Use:   use + " <conversation> <message> <block>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			st, err := app.OpenConversation(ctx, args[0])
			if err != nil {
				return err
			}
			tree := st.Snapshot().Tree
			msgID, err := resolveMessage(tree, args[1])
			if err != nil {
				return err
			}
			blockID, err := resolveBlock(tree, args[2])
			if err != nil {
				return err
			}
			if wire {
				return app.Orchestrator.Wire(ctx, st, msgID, blockID)
			}
			return app.Orchestrator.Unwire(ctx, st, msgID, blockID)
		},
	}
}
