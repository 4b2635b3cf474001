// Command convoai runs the ConvoAI conversation plane: the Conversation
// Gateway, the Model Pipeline and Tool Dispatcher it drives, and the
// Analytics Ingestor/Query Surface, wired from a single config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "convoai",
		Short: "ConvoAI conversation plane",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "convoai.yaml", "path to the configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newTokenCommand(&configPath))
	return root
}
