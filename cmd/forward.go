package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/envconfig"
	"github.com/t5go/t5go/ml"
	"github.com/t5go/t5go/model"
	"github.com/t5go/t5go/model/input"
	"github.com/t5go/t5go/model/models/t5"
	"github.com/t5go/t5go/progress"
)

func NewForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run a forward pass over random weights and print the outputs",
		Args:  cobra.NoArgs,
		RunE:  forwardHandler,
	}

	cmd.Flags().String("preset", "t5-small", "Preset topology to instantiate")
	cmd.Flags().Uint32("layers", 0, "Override the number of layers per stack")
	cmd.Flags().Uint32("heads", 0, "Override the number of attention heads")
	cmd.Flags().Uint32("hidden", 0, "Override the embedding width")
	cmd.Flags().Uint32("ffn", 0, "Override the feed forward width")
	cmd.Flags().Int("enc-len", 8, "Encoder tokens in the probe batch")
	cmd.Flags().Int("dec-len", 4, "Decoder tokens in the probe batch")

	return cmd
}

func forwardHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	name, err := flags.GetString("preset")
	if err != nil {
		return err
	}

	preset, err := t5.GetPreset(name)
	if err != nil {
		return err
	}

	kv := preset.Config
	for _, o := range []struct {
		flag string
		key  string
	}{
		{"layers", "t5.block_count"},
		{"heads", "t5.attention.head_count"},
		{"hidden", "t5.embedding_length"},
		{"ffn", "t5.feed_forward_length"},
	} {
		v, err := flags.GetUint32(o.flag)
		if err != nil {
			return err
		}

		if v > 0 {
			kv[o.key] = v
		}
	}

	encLen, err := flags.GetInt("enc-len")
	if err != nil {
		return err
	}

	decLen, err := flags.GetInt("dec-len")
	if err != nil {
		return err
	}

	if encLen < 1 || decLen < 1 {
		return errors.New("enc-len and dec-len must be at least 1")
	}

	dir, err := os.MkdirTemp("", "t5go-forward-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	p := progress.NewProgress(os.Stderr)
	spinner := progress.NewSpinner(fmt.Sprintf("initializing %s", name))
	p.Add(spinner)

	if err := t5.Create(dir, kv, envconfig.Seed); err != nil {
		p.StopAndClear()
		return err
	}

	spinner.SetMessage("loading model")

	mdl, err := model.New(cmd.Context(), dir, ml.BackendParams{
		NumThreads: envconfig.NumThreads,
		Seed:       envconfig.Seed,
	})
	p.StopAndClear()
	if err != nil {
		return err
	}

	ctx := mdl.Backend().NewContext()
	defer ctx.Close()

	enc := make([]int32, encLen)
	for i := range enc {
		enc[i] = int32(i + 1)
	}

	dec := make([]int32, decLen)
	dec[0] = kv.Int("decoder_start_token_id", 0)
	for i := 1; i < len(dec); i++ {
		dec[i] = int32(i)
	}

	batch, err := input.NewBatch(ctx, [][]int32{enc}, [][]int32{dec})
	if err != nil {
		return err
	}

	out, err := model.Forward(ctx, mdl, batch)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, o := range []struct {
		name   string
		tensor ml.Tensor
	}{
		{model.OutputNameEncoderSequence, out.EncoderSequence},
		{model.OutputNameDecoderSequence, out.DecoderSequence},
		{model.OutputNameLogits, out.Logits},
	} {
		if o.tensor == nil {
			continue
		}

		fmt.Fprintf(w, "%s %v\n", o.name, o.tensor.Shape())
		fmt.Fprintln(w, ml.Dump(o.tensor, ml.DumpOptions{Items: 2, Precision: 4}))
	}

	return nil
}
