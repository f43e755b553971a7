package cmds

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/arbor/pkg/ingest"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewKnowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base searched on every question",
	}
	cmd.AddCommand(newKnowledgeAddCommand(), newKnowledgeSearchCommand())
	return cmd
}

func newKnowledgeAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>...",
		Short: "Add files (.txt, .md, .html) to the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			for _, path := range args {
				doc, err := ingest.File(path)
				if err != nil {
					return err
				}
				if err := app.Knowledge.AddKnowledge(cmd.Context(), doc.Name, doc.Content); err != nil {
					return err
				}
				log.Info().Str("source", doc.Name).Int("size", len(doc.Content)).Msg("Added knowledge")
				_, _ = fmt.Fprintf(os.Stdout, "Added %s\n", doc.Name)
			}
			return nil
		},
	}
}

func newKnowledgeSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the fragments a question would retrieve",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			fragments, err := app.Knowledge.Retrieve(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			for _, f := range fragments {
				_, _ = fmt.Fprintf(os.Stdout, "%s (%.2f)\n  %s\n", f.Source, f.Score, firstWords(f.Content, 30))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 5, "Maximum number of fragments")
	return cmd
}
