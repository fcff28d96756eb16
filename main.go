package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/t5go/t5go/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
