package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/model/models/t5"
)

func NewTokenizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokenize MODEL TEXT",
		Short: "Show how a bundle's tokenizer splits text",
		Args:  cobra.ExactArgs(2),
		RunE:  tokenizeHandler,
	}
}

func tokenizeHandler(cmd *cobra.Command, args []string) error {
	mdl, err := loadModel(cmd, args[0])
	if err != nil {
		return err
	}

	// A randomly initialized bundle carries no vocabulary, so the
	// embedded processor can be nil even though the type satisfies the
	// tokenizer interfaces.
	m, ok := mdl.(*t5.Model)
	if !ok || m.TextProcessor == nil {
		return fmt.Errorf("%s has no tokenizer", args[0])
	}

	ids, err := m.Encode(args[1], true)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	vocab := m.Vocabulary()
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%q\n", id, vocab.Values[id])
	}

	return nil
}
