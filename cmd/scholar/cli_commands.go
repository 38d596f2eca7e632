// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
)

var (
	serverURL    string
	feedback     bool
	waitForTask  bool
	pollInterval time.Duration

	rootCmd = &cobra.Command{
		Use:   "scholar",
		Short: "A CLI to query the scholar literature QA service",
		Long: `Scholar submits scientific questions to the answer service, polls
running tasks, and prints the cited answer iterations.`,
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Submits a question and returns its task id",
		Long:  `Submits a question for asynchronous answering. With --wait the command polls until the task finishes and prints the final answer.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAskCommand,
	}

	pollCmd = &cobra.Command{
		Use:   "poll [task-id]",
		Short: "Polls a running task once",
		Args:  cobra.ExactArgs(1),
		RunE:  runPollCommand,
	}

	papersCmd = &cobra.Command{
		Use:   "papers [corpus-id...]",
		Short: "Fetches paper metadata for one or more corpus ids",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPapersCommand,
	}
)

func init() {
	defaultServer := os.Getenv("SCHOLAR_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:12230"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Base URL of the scholar service")

	askCmd.Flags().BoolVar(&feedback, "feedback", true, "Enable self-critique feedback rounds")
	askCmd.Flags().BoolVar(&waitForTask, "wait", false, "Poll until the task finishes")
	askCmd.Flags().DurationVar(&pollInterval, "interval", 5*time.Second, "Polling interval used with --wait")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(papersCmd)
}

func postJSON(path string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.Post(strings.TrimSuffix(serverURL, "/")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

func runAskCommand(_ *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	out, code, err := postJSON("/v1/query", datatypes.QueryRequest{
		Query:           question,
		FeedbackEnabled: feedback,
	})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("submit failed (%d): %s", code, strings.TrimSpace(string(out)))
	}

	var resp datatypes.AsyncQueryResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("unexpected submit response: %w", err)
	}
	fmt.Printf("Task %s started (estimated time %s)\n", resp.TaskID, resp.EstimatedTime)

	if !waitForTask {
		return nil
	}
	for {
		time.Sleep(pollInterval)
		done, err := pollOnce(resp.TaskID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func runPollCommand(_ *cobra.Command, args []string) error {
	_, err := pollOnce(args[0])
	return err
}

// pollOnce prints the current task state and reports whether it is
// terminal.
func pollOnce(taskID string) (bool, error) {
	out, code, err := postJSON("/v1/query", datatypes.QueryRequest{TaskID: taskID})
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
	case http.StatusNotFound:
		return true, fmt.Errorf("no task found with id %s", taskID)
	default:
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &failure) == nil && failure.Error != "" {
			return true, fmt.Errorf("task failed: %s", failure.Error)
		}
		return true, fmt.Errorf("poll failed (%d): %s", code, strings.TrimSpace(string(out)))
	}

	// A completed task carries a result and no status field.
	var probe struct {
		TaskID string                `json:"task_id"`
		Status string                `json:"status"`
		Result *datatypes.TaskResult `json:"result"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return false, fmt.Errorf("unexpected poll response: %w", err)
	}
	if probe.Status == "" && probe.Result != nil {
		var completed datatypes.QueryResponse
		if err := json.Unmarshal(out, &completed); err != nil {
			return false, fmt.Errorf("unexpected poll response: %w", err)
		}
		printResult(completed)
		return true, nil
	}
	fmt.Printf("Task %s: %s\n", probe.TaskID, probe.Status)
	return false, nil
}

func printResult(resp datatypes.QueryResponse) {
	fmt.Printf("Task %s completed with %d iteration(s)\n\n", resp.TaskID, len(resp.TaskResult.Iterations))
	if len(resp.TaskResult.Iterations) == 0 {
		return
	}
	final := resp.TaskResult.Iterations[len(resp.TaskResult.Iterations)-1]
	fmt.Println(final.Text)
	if len(final.Citations) > 0 {
		fmt.Println("\nCitations:")
		for i, citation := range final.Citations {
			fmt.Printf("  [%d] %s (corpus %s)\n", i, citation.Title, citation.CorpusID)
		}
	}
}

func runPapersCommand(_ *cobra.Command, args []string) error {
	out, code, err := postJSON("/v1/papers", datatypes.PapersRequest{CorpusIDs: args})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("papers lookup failed (%d): %s", code, strings.TrimSpace(string(out)))
	}
	fmt.Println(string(out))
	return nil
}
