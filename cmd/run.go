package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/envconfig"
	"github.com/t5go/t5go/model/models/t5"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run MODEL [PROMPT]",
		Short: "Generate text from a converted bundle",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runHandler,
	}

	cmd.Flags().Int("max-tokens", 64, "Maximum number of tokens to generate")
	cmd.Flags().Float32("temperature", 0, "Sampling temperature, 0 picks the most likely token")
	cmd.Flags().Int("top-k", 0, "Sample from the k most likely tokens")
	cmd.Flags().Float32("top-p", 1, "Sample from the smallest set of tokens with cumulative probability p")

	return cmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	var prompt string
	if len(args) == 2 {
		prompt = args[1]
	} else {
		// no prompt argument, read it from stdin
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		prompt = strings.TrimSpace(string(b))
	}

	if prompt == "" {
		return errors.New("no prompt given")
	}

	flags := cmd.Flags()

	maxTokens, err := flags.GetInt("max-tokens")
	if err != nil {
		return err
	}

	temperature, err := flags.GetFloat32("temperature")
	if err != nil {
		return err
	}

	topK, err := flags.GetInt("top-k")
	if err != nil {
		return err
	}

	topP, err := flags.GetFloat32("top-p")
	if err != nil {
		return err
	}

	mdl, err := loadModel(cmd, args[0])
	if err != nil {
		return err
	}

	m, ok := mdl.(*t5.Model)
	if !ok {
		return fmt.Errorf("%s is not a t5 bundle", args[0])
	}

	out, err := t5.Generate(m, prompt, t5.GenerateOptions{
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopK:        topK,
		TopP:        topP,
		Seed:        envconfig.Seed,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), out)

	return nil
}
