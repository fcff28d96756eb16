package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/convert"
	"github.com/t5go/t5go/envconfig"
	"github.com/t5go/t5go/progress"
)

func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert CHECKPOINT",
		Short: "Convert a safetensors or pytorch checkpoint into a bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  convertHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Destination directory (default: the checkpoint name under the models directory)")

	return cmd
}

func convertHandler(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	if out == "" {
		out = filepath.Join(envconfig.ModelsDir, filepath.Base(filepath.Clean(args[0])))
	}

	if _, err := os.Stat(filepath.Join(args[0], "config.json")); err != nil {
		return fmt.Errorf("%s does not look like a checkpoint directory: %w", args[0], err)
	}

	p := progress.NewProgress(os.Stderr)
	p.Add(progress.NewSpinner(fmt.Sprintf("converting %s", args[0])))

	err = convert.ConvertModel(os.DirFS(args[0]), out)
	p.StopAndClear()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "created", out)

	return nil
}
