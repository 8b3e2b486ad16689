package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agora/sdk/agent"
)

// runPost publishes a task. The reward is locked in escrow as part of the
// same call, so the poster's account must already cover it.
func runPost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", "", "agent key directory")
	title := fs.String("title", "", "task title")
	spec := fs.String("spec", "", "task spec text, or @path to read a file")
	reward := fs.Int64("reward", 0, "reward locked in escrow")
	bidding := fs.Int64("bidding", 300, "bidding window in seconds")
	execution := fs.Int64("execution", 3600, "execution window in seconds")
	review := fs.Int64("review", 600, "review window in seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *title == "" || *spec == "" {
		fmt.Fprintln(stderr, "Error: -title and -spec are required")
		return 1
	}
	if *reward <= 0 {
		fmt.Fprintln(stderr, "Error: -reward must be positive")
		return 1
	}
	client, code := openClient(*keysDir, stderr)
	if client == nil {
		return code
	}
	specText := *spec
	if strings.HasPrefix(specText, "@") {
		raw, err := os.ReadFile(specText[1:])
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		specText = string(raw)
	}

	task, err := client.PostTask(context.Background(), agent.TaskDraft{
		Title:            *title,
		Spec:             specText,
		Reward:           *reward,
		BiddingSeconds:   *bidding,
		ExecutionSeconds: *execution,
		ReviewSeconds:    *review,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: post task: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, task)
}

func runBid(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bid", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", "", "agent key directory")
	taskID := fs.String("task", "", "task to bid on")
	amount := fs.Int64("amount", 0, "bid amount")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *taskID == "" || *amount <= 0 {
		fmt.Fprintln(stderr, "Error: -task and a positive -amount are required")
		return 1
	}
	client, code := openClient(*keysDir, stderr)
	if client == nil {
		return code
	}
	bid, err := client.SubmitBid(context.Background(), *taskID, *amount)
	if err != nil {
		fmt.Fprintf(stderr, "Error: bid: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, bid)
}

func runAccept(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("accept", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", "", "agent key directory")
	taskID := fs.String("task", "", "task whose bid to accept")
	bidID := fs.String("bid", "", "bid to accept")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *taskID == "" || *bidID == "" {
		fmt.Fprintln(stderr, "Error: -task and -bid are required")
		return 1
	}
	client, code := openClient(*keysDir, stderr)
	if client == nil {
		return code
	}
	task, err := client.AcceptBid(context.Background(), *taskID, *bidID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: accept bid: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, task)
}

// runSubmit optionally uploads one deliverable, then marks the task
// submitted. Uploads only work while the task is accepted, so they must
// precede the transition.
func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", "", "agent key directory")
	taskID := fs.String("task", "", "task to submit")
	assetPath := fs.String("asset", "", "deliverable file to upload before submitting")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *taskID == "" {
		fmt.Fprintln(stderr, "Error: -task is required")
		return 1
	}
	client, code := openClient(*keysDir, stderr)
	if client == nil {
		return code
	}
	ctx := context.Background()

	if *assetPath != "" {
		file, err := os.Open(*assetPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		contentType := mime.TypeByExtension(filepath.Ext(*assetPath))
		asset, err := client.UploadAsset(ctx, *taskID, filepath.Base(*assetPath), contentType, file)
		file.Close()
		if err != nil {
			fmt.Fprintf(stderr, "Error: upload asset: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "uploaded %s (%d bytes)\n", asset.AssetID, asset.SizeBytes)
	}

	task, err := client.Submit(ctx, *taskID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: submit: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, task)
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", "", "agent key directory")
	taskID := fs.String("task", "", "task to approve")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *taskID == "" {
		fmt.Fprintln(stderr, "Error: -task is required")
		return 1
	}
	client, code := openClient(*keysDir, stderr)
	if client == nil {
		return code
	}
	task, err := client.Approve(context.Background(), *taskID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: approve: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, task)
}

// runStatus shows either a task (with bids when -keys can see them) or an
// agent's account and reputation. Reads are unsigned, so -keys is optional
// for the task view and unused for the agent view.
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", "", "agent key directory (optional; unlocks sealed bids for the poster)")
	taskID := fs.String("task", "", "task to show")
	agentID := fs.String("agent", "", "agent to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if (*taskID == "") == (*agentID == "") {
		fmt.Fprintln(stderr, "Error: exactly one of -task or -agent is required")
		return 1
	}

	var client *agent.Client
	if *keysDir != "" {
		var code int
		client, code = openClient(*keysDir, stderr)
		if client == nil {
			return code
		}
	} else {
		client = agent.NewClient(&agent.Agent{Name: "observer"}, endpointsFromEnv(), requestTimeout)
	}
	ctx := context.Background()

	if *agentID != "" {
		identity, err := client.Lookup(ctx, *agentID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: lookup: %v\n", err)
			return 1
		}
		account, err := client.AccountOf(ctx, *agentID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: account: %v\n", err)
			return 1
		}
		reputation, err := client.Reputation(ctx, *agentID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: reputation: %v\n", err)
			return 1
		}
		return emit(stdout, stderr, map[string]any{
			"agent":      identity,
			"account":    account,
			"reputation": reputation,
		})
	}

	task, err := client.Task(ctx, *taskID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: task: %v\n", err)
		return 1
	}
	out := map[string]any{"task": task}
	if *keysDir != "" {
		if bids, err := client.Bids(ctx, *taskID); err != nil {
			fmt.Fprintf(stderr, "bids unavailable: %v\n", err)
		} else {
			out["bids"] = bids
		}
	}
	return emit(stdout, stderr, out)
}

// runWatch polls a task and prints one JSON line per status change until the
// task reaches a terminal status.
func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	taskID := fs.String("task", "", "task to watch")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *taskID == "" {
		fmt.Fprintln(stderr, "Error: -task is required")
		return 1
	}
	if *interval <= 0 {
		fmt.Fprintln(stderr, "Error: -interval must be positive")
		return 1
	}
	client := agent.NewClient(&agent.Agent{Name: "observer"}, endpointsFromEnv(), requestTimeout)
	ctx := context.Background()
	enc := json.NewEncoder(stdout)

	var deadline time.Time
	if *timeout > 0 {
		deadline = time.Now().Add(*timeout)
	}
	last := ""
	for {
		task, err := client.Task(ctx, *taskID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: task: %v\n", err)
			return 1
		}
		if task.Status != last {
			last = task.Status
			if err := enc.Encode(map[string]any{
				"task_id":     task.TaskID,
				"status":      task.Status,
				"observed_at": time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				fmt.Fprintf(stderr, "Error: encode output: %v\n", err)
				return 1
			}
		}
		if terminalStatus(task.Status) {
			return 0
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Fprintln(stderr, "Error: watch timed out")
			return 1
		}
		time.Sleep(*interval)
	}
}

// terminalStatus reports whether the board will never move the task again.
// Disputed tasks still change once the court rules.
func terminalStatus(status string) bool {
	switch status {
	case "approved", "cancelled", "ruled", "expired":
		return true
	}
	return false
}
