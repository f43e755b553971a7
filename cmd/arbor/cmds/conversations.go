package cmds

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/iancoleman/strcase"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, show, export and import stored conversations",
	}
	cmd.AddCommand(
		newConversationsListCommand(),
		newConversationsShowCommand(),
		newConversationsTreeCommand(),
		newConversationsDeleteCommand(),
		newConversationsExportCommand(),
		newConversationsImportCommand(),
	)
	return cmd
}

func newConversationsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			cs, err := app.Orchestrator.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTITLE\tMODEL\tCOST\tLAST MESSAGE")
			for _, c := range cs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\n",
					c.ID.Short(), c.Title, c.SelectedModel, c.Cost, c.LastMessageAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newConversationsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <conversation|export file>",
		Short: "Print the current branch of a conversation, or the branch ending at --leaf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leafRef, _ := cmd.Flags().GetString("leaf")
			fromFile, _ := cmd.Flags().GetBool("file")

			var tree *conversation.ConversationTree
			var c *conversation.Conversation
			if fromFile {
				var err error
				if tree, c, err = conversation.LoadFromFile(args[0]); err != nil {
					return err
				}
			} else {
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
				tree, c = snap.Tree, snap.Conversation
			}

			leaf := conversation.NullNode
			if leafRef != "" {
				var err error
				if leaf, err = resolveMessage(tree, leafRef); err != nil {
					return err
				}
			}
			if c != nil {
				_, _ = fmt.Fprintf(os.Stdout, "# %s\n\n", c.Title)
			}
			return printThread(os.Stdout, tree, leaf)
		},
	}
	cmd.Flags().String("leaf", "", "Message id or prefix ending the branch to show")
	cmd.Flags().Bool("file", false, "Read the conversation from an export file instead of the store")
	return cmd
}

// printThread prints the branch ending at leaf, or the current branch when leaf is null. On a
// terminal the markdown is rendered.
func printThread(w io.Writer, tree *conversation.ConversationTree, leaf conversation.NodeID) error {
	if leaf.IsNull() {
		leaf = tree.CurrentID
	}
	path, err := tree.PathToRoot(leaf)
	if err != nil && len(path) == 0 {
		return err
	}
	if err != nil {
		log.Warn().Err(err).Msg("Showing a partial branch")
	}

	var sb strings.Builder
	for _, m := range path {
		_, _ = fmt.Fprintf(&sb, "`%s` ", m.ID.Short())
		if m.IsHidden {
			_, _ = fmt.Fprintf(&sb, "[%s]: (hidden, /reveal %s to show)\n\n", m.Role, m.ID.Short())
			continue
		}
		if blocks := tree.WiredBlocks(m); len(blocks) > 0 {
			var titles []string
			for _, b := range blocks {
				titles = append(titles, b.Title)
			}
			_, _ = fmt.Fprintf(&sb, "(context: %s) ", strings.Join(titles, ", "))
		}
		sb.WriteString(m.View())
		if m.Cost > 0 {
			_, _ = fmt.Fprintf(&sb, "\n\n_$%.6f_", m.Cost)
		}
		sb.WriteString("\n\n")
	}

	out := sb.String()
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		rendered, err := glamour.Render(out, "dark")
		if err != nil {
			log.Debug().Err(err).Msg("Could not render markdown")
		} else {
			out = rendered
		}
	}
	_, err = io.WriteString(w, out)
	return err
}

func newConversationsTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <conversation>",
		Short: "Print every branch of a conversation",
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
			tree := st.Snapshot().Tree
			for _, root := range tree.Roots() {
				printBranch(os.Stdout, tree, root, 0)
			}
			return nil
		},
	}
}

func printBranch(w io.Writer, tree *conversation.ConversationTree, m *conversation.Message, depth int) {
	marker := " "
	if m.ID == tree.CurrentID {
		marker = "*"
	}
	line := strings.Join(strings.Fields(m.Content), " ")
	if len(line) > 60 {
		line = line[:60] + "..."
	}
	_, _ = fmt.Fprintf(w, "%s %s%s %-9s %s\n", marker, strings.Repeat("  ", depth), m.ID.Short(), m.Role, line)
	for _, child := range tree.Children(m.ID) {
		printBranch(w, tree, child, depth+1)
	}
}

func newConversationsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation>",
		Short: "Delete a conversation and its messages",
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
			return app.Orchestrator.DeleteConversation(cmd.Context(), st)
		},
	}
}

func newConversationsExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <conversation>",
		Short: "Write a conversation to a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.OpenConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			e, err := app.Orchestrator.Export(st)
			if err != nil {
				return err
			}
			if output == "-" {
				return e.Write(os.Stdout, conversation.FormatYAML)
			}
			if output == "" {
				output = exportFilename(e.Conversation)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()
			if err := e.Write(f, conversation.FormatFromFilename(output)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output file, .json or .yaml; - for stdout (default: derived from the title)")
	return cmd
}

func exportFilename(c *conversation.Conversation) string {
	name := strcase.ToKebab(c.Title)
	if name == "" {
		name = "conversation"
	}
	return fmt.Sprintf("%s-%s.yaml", name, c.ID.Short())
}

func newConversationsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Store a conversation exported with export as a new conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()
			e, err := conversation.ReadExport(f, conversation.FormatFromFilename(args[0]))
			if err != nil {
				return errors.Wrapf(err, "could not read %s", filepath.Base(args[0]))
			}

			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.Orchestrator.Import(cmd.Context(), e)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "Imported as %s\n", st.ConversationID())
			return nil
		},
	}
}
