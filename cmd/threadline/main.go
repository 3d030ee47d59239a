// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// threadline is the command-line client for the chatd service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/threadline/pkg/logging"
	"github.com/halcyonlabs/threadline/pkg/ux"
)

var (
	serverURL string
	threadID  string
	verbose   bool
	plain     bool

	// cliLog writes diagnostics to ~/.threadline/logs only; stdout and
	// stderr belong to the streamed conversation.
	cliLog = logging.New(logging.Config{Quiet: true})
)

var rootCmd = &cobra.Command{
	Use:   "threadline",
	Short: "Client for the threadline chat service",
	Long: "threadline talks to a running chatd instance: stream questions to " +
		"a conversation thread, list threads, and inspect history.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if plain {
			ux.SetPlain(true)
		}
		level := logging.LevelInfo
		if verbose {
			level = logging.LevelDebug
		}
		cliLog = logging.New(logging.Config{
			Level:   level,
			LogDir:  "~/.threadline/logs",
			Service: "cli",
			Quiet:   true,
		})
	},
}

func main() {
	err := rootCmd.Execute()
	if closeErr := cliLog.Close(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", closeErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

// fail logs the error, prints it, and exits.
func fail(msg string, err error) {
	cliLog.Error(msg, "error", err)
	_ = cliLog.Close()
	ux.Error(fmt.Sprintf("%s: %v", msg, err))
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		defaultServerURL(), "chatd base URL")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false,
		"log debug detail to ~/.threadline/logs")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false,
		"disable colors and animation")

	askCmd.Flags().StringVar(&threadID, "thread", "", "thread id (created when omitted)")
	historyCmd.Flags().StringVar(&threadID, "thread", "", "thread id (required)")
	clearCmd.Flags().StringVar(&threadID, "thread", "", "thread id (required)")
	titleCmd.Flags().StringVar(&threadID, "thread", "", "thread id (required)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(titleCmd)
}

func defaultServerURL() string {
	if v := os.Getenv("THREADLINE_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:12250"
}
