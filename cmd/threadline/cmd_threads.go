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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/threadline/pkg/ux"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads, newest first",
	Run:   runThreadsCommand,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a thread's conversation",
	Run:   runHistoryCommand,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset a thread's messages",
	Run:   runClearCommand,
}

var titleCmd = &cobra.Command{
	Use:   "title [new title]",
	Short: "Rename a thread",
	Args:  cobra.MinimumNArgs(1),
	Run:   runTitleCommand,
}

func runThreadsCommand(cmd *cobra.Command, args []string) {
	client := newChatClient(serverURL)
	threads, err := client.listThreads(context.Background())
	if err != nil {
		fail("listing threads", err)
	}
	if len(threads) == 0 {
		ux.Muted("No threads yet.")
		return
	}
	for _, t := range threads {
		created := time.UnixMilli(t.Timestamp).Format("2006-01-02 15:04")
		if ux.Plain() {
			fmt.Printf("%s  %-30s  %d messages  (%s)\n", t.ID, t.Title, t.MessageCount, created)
		} else {
			fmt.Printf("%s  %s  %s\n",
				ux.Styles.Muted.Render(t.ID),
				ux.Styles.Highlight.Render(fmt.Sprintf("%-30s", t.Title)),
				ux.Styles.Muted.Render(fmt.Sprintf("%d messages  (%s)", t.MessageCount, created)),
			)
		}
		for _, preview := range t.PreviewMessages {
			ux.Muted("    > " + truncateLine(preview, 70))
		}
	}
}

func runHistoryCommand(cmd *cobra.Command, args []string) {
	requireThread()
	client := newChatClient(serverURL)
	messages, err := client.conversation(context.Background(), threadID)
	if err != nil {
		fail("loading history", err)
	}
	for _, m := range messages {
		if ux.Plain() {
			fmt.Printf("[%s] %s\n\n", m.Role, m.Content)
			continue
		}
		fmt.Printf("%s %s\n\n", ux.Styles.Subtitle.Render("["+string(m.Role)+"]"), m.Content)
	}
}

func runClearCommand(cmd *cobra.Command, args []string) {
	requireThread()
	client := newChatClient(serverURL)
	if err := client.clearThread(context.Background(), threadID); err != nil {
		fail("clearing thread", err)
	}
	ux.Success("Thread cleared.")
}

func runTitleCommand(cmd *cobra.Command, args []string) {
	requireThread()
	client := newChatClient(serverURL)
	title := strings.Join(args, " ")
	if err := client.setTitle(context.Background(), threadID, title); err != nil {
		fail("setting title", err)
	}
	ux.Success("Title updated.")
}

func requireThread() {
	if threadID == "" {
		fail("missing flag", fmt.Errorf("--thread is required"))
	}
}

func truncateLine(s string, max int) string {
	runes := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "..."
}
