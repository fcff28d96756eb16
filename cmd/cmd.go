package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/envconfig"
	"github.com/t5go/t5go/logutil"
	"github.com/t5go/t5go/ml"
	"github.com/t5go/t5go/model"
	_ "github.com/t5go/t5go/model/models"
	"github.com/t5go/t5go/progress"
	"github.com/t5go/t5go/version"
)

func NewCLI() *cobra.Command {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	rootCmd := &cobra.Command{
		Use:           "t5go",
		Short:         "Text to text transformer toolkit",
		SilenceErrors: true,
		Version:       version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewPresetsCmd(),
		NewShowCmd(),
		NewListCmd(),
		NewConvertCmd(),
		NewForwardCmd(),
		NewRunCmd(),
		NewTokenizeCmd(),
		NewEmbedCmd(),
		NewVersionCmd(),
	)

	return rootCmd
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "t5go version", version.Version)
		},
	}
}

// resolveBundle turns a model argument into a bundle directory: a path
// that exists is used as is, anything else is looked up under the models
// directory.
func resolveBundle(name string) (string, error) {
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return name, nil
	}

	dir := filepath.Join(envconfig.ModelsDir, name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}

	return "", fmt.Errorf("model %q not found, try 't5go convert' first", name)
}

func loadModel(cmd *cobra.Command, name string) (model.Model, error) {
	dir, err := resolveBundle(name)
	if err != nil {
		return nil, err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	p.Add(progress.NewSpinner(fmt.Sprintf("loading %s", name)))

	return model.New(cmd.Context(), dir, ml.BackendParams{
		NumThreads: envconfig.NumThreads,
		Seed:       envconfig.Seed,
	})
}
