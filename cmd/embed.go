package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/model/models/t5"
	"github.com/t5go/t5go/progress"
	"github.com/t5go/t5go/vector"
)

func NewEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed MODEL QUERY TEXT [TEXT...]",
		Short: "Embed texts and rank them against a query",
		Long:  "Embed pools encoder outputs into fixed width vectors, stores one per text, and prints the texts nearest to the query by cosine similarity.",
		Args:  cobra.MinimumNArgs(3),
		RunE:  embedHandler,
	}

	cmd.Flags().Int("top", 3, "Number of matches to print")

	return cmd
}

func embedHandler(cmd *cobra.Command, args []string) error {
	top, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}

	mdl, err := loadModel(cmd, args[0])
	if err != nil {
		return err
	}

	m, ok := mdl.(*t5.Model)
	if !ok || m.TextProcessor == nil {
		return fmt.Errorf("%s cannot embed text", args[0])
	}

	query, texts := args[1], args[2:]

	store := vector.NewStore(vector.NewEmbedder(m))

	p := progress.NewProgress(os.Stderr)
	bar := progress.NewBar("embedding", "texts", int64(len(texts)), 0)
	p.Add(bar)

	for i, text := range texts {
		if err := store.Add(text, text); err != nil {
			p.StopAndClear()
			return err
		}

		bar.Set(int64(i + 1))
	}

	matches, err := store.Search(query, top)
	p.StopAndClear()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, match := range matches {
		fmt.Fprintf(w, "%6.3f  %s\n", match.Score, match.ID)
	}

	return nil
}
