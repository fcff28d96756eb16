package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/t5go/t5go/format"
	"github.com/t5go/t5go/model/models/t5"
)

func NewPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List built in model configurations",
		Args:  cobra.NoArgs,
		RunE:  presetsHandler,
	}
}

func presetsHandler(cmd *cobra.Command, args []string) error {
	var data [][]string

	for _, p := range t5.Presets() {
		kv := p.Config
		data = append(data, []string{
			p.Name,
			strconv.Itoa(int(kv.Uint("block_count"))),
			strconv.Itoa(int(kv.Uint("attention.head_count"))),
			strconv.Itoa(int(kv.Uint("embedding_length"))),
			strconv.Itoa(int(kv.Uint("feed_forward_length"))),
			kv.String("activation"),
			format.HumanNumber(p.ParameterCount()),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "LAYERS", "HEADS", "HIDDEN", "FFN", "ACTIVATION", "PARAMS"})
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

func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show PRESET",
		Short: "Show the full configuration of a preset",
		Args:  cobra.ExactArgs(1),
		RunE:  showHandler,
	}
}

func showHandler(cmd *cobra.Command, args []string) error {
	p, err := t5.GetPreset(args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, p.Name)
	fmt.Fprintln(w, "  description", p.Description)
	fmt.Fprintln(w, "  url        ", p.URL)
	fmt.Fprintln(w, "  parameters ", format.HumanNumber(p.ParameterCount()))
	fmt.Fprintln(w, "  digest     ", p.Digest)
	fmt.Fprintln(w)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p.Config)
}
