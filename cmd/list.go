package cmd

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/t5go/t5go/envconfig"
	"github.com/t5go/t5go/format"
	t5fs "github.com/t5go/t5go/fs"
)

func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List converted bundles",
		Args:    cobra.MaximumNArgs(1),
		RunE:    listHandler,
	}
}

func listHandler(cmd *cobra.Command, args []string) error {
	entries, err := os.ReadDir(envconfig.ModelsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var data [][]string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if len(args) == 1 && !strings.HasPrefix(strings.ToLower(e.Name()), strings.ToLower(args[0])) {
			continue
		}

		dir := filepath.Join(envconfig.ModelsDir, e.Name())

		st, err := os.Stat(filepath.Join(dir, "model.safetensors"))
		if err != nil {
			// not a bundle
			continue
		}

		b, err := os.ReadFile(filepath.Join(dir, "config.json"))
		if err != nil {
			continue
		}

		var kv t5fs.KV
		if err := json.Unmarshal(b, &kv); err != nil {
			continue
		}

		data = append(data, []string{
			e.Name(),
			format.HumanNumber(kv.ParameterCount()),
			format.HumanBytes(st.Size()),
			format.HumanTime(st.ModTime(), "Never"),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "PARAMS", "SIZE", "MODIFIED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
