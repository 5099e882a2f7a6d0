package main

import (
	"os"

	"github.com/alapierre/go-hacienda-client/hacienda/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if util.DebugEnabled() {
		logrus.SetLevel(logrus.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:               "hacienda",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Short:             "Electronic document issuance for the Costa Rica tax authority",
		Long: "Allocates consecutives, builds document keys, signs documents and submits them to the " +
			"authority's reception API, keeping one record per document key.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		issueCmd(),
		statusCmd(),
		resubmitCmd(),
		reconcileCmd(),
		keyCmd(),
		tokenCmd(),
		credentialsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
