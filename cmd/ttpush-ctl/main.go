package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
    Use:           "ttpush-ctl",
    Short:         "Operator CLI for a ttpush server",
    Long:          "ttpush-ctl talks to a running ttpush server: negotiate connection tokens,\ninject messages into connection backlogs, poll on a client's behalf, and\nabort connections.",
    SilenceUsage:  true,
    SilenceErrors: true,
}

func init() {
    rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8080", "Base URL of the ttpush server")
    rootCmd.AddCommand(negotiateCmd)
    rootCmd.AddCommand(publishCmd)
    rootCmd.AddCommand(pollCmd)
    rootCmd.AddCommand(abortCmd)
}

func main() {
    if err := rootCmd.Execute(); err != nil {
        _, _ = fmt.Fprintln(os.Stderr, "Error:", err)
        os.Exit(1)
    }
}
