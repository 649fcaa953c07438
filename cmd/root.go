// Package cmd contains the lectern command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lectern",
	Short: "Lectern is a document-reading assistant",
	Long: `Lectern ingests documents and answers questions about them in
branching conversations: any message can be edited into a new version and
the conversation re-read along the chosen branch.

Running lectern without arguments starts an interactive chat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
