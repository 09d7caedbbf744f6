package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	brokerAddr string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nanomq-client",
		Short: "nanomq command-line peer",
		Long:  "Publish, subscribe, and query against a nanomq broker from the command line",
	}

	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr", "127.0.0.1:45784", "broker address")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(queryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
