// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/threadline/pkg/ux"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Stream a question to a conversation thread",
	Long: "Sends a question to chatd and prints the reply as it streams. " +
		"Without --thread a new thread is created and its id printed, so " +
		"the conversation can be continued later.",
	Args: cobra.MinimumNArgs(1),
	Run:  runAskCommand,
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	client := newChatClient(serverURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	id := threadID
	if id == "" {
		newID, err := client.initThread(ctx, "")
		if err != nil {
			fail("creating thread", err)
		}
		id = newID
		ux.KeyValue("Thread", id)
		ux.Muted("---")
	}
	cliLog.Debug("asking", "thread_id", id, "question_bytes", len(question))

	spinner := ux.NewSpinner("Thinking")
	spinner.Start()
	var stopOnce sync.Once

	reply, err := client.streamQuery(ctx, id, question, func(fragment string) {
		stopOnce.Do(spinner.Stop)
		fmt.Print(fragment)
	})
	stopOnce.Do(spinner.Stop)
	fmt.Println()
	if err != nil {
		fail("streaming reply", err)
	}
	cliLog.Debug("reply complete", "thread_id", id, "reply_bytes", len(reply))
}
