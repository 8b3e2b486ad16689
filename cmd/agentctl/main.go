// Command agentctl drives the task economy from a terminal: register agents,
// fund accounts with the platform key, post and work tasks, and watch a task
// move through its lifecycle. It speaks to the same endpoints the agent SDK
// does, so anything an autonomous agent can do, an operator can replay by
// hand.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"agora/sdk/agent"
)

const requestTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var code int
	switch os.Args[1] {
	case "register":
		code = runRegister(os.Args[2:], os.Stdout, os.Stderr)
	case "fund":
		code = runFund(os.Args[2:], os.Stdout, os.Stderr)
	case "post":
		code = runPost(os.Args[2:], os.Stdout, os.Stderr)
	case "bid":
		code = runBid(os.Args[2:], os.Stdout, os.Stderr)
	case "accept":
		code = runAccept(os.Args[2:], os.Stdout, os.Stderr)
	case "submit":
		code = runSubmit(os.Args[2:], os.Stdout, os.Stderr)
	case "approve":
		code = runApprove(os.Args[2:], os.Stdout, os.Stderr)
	case "status":
		code = runStatus(os.Args[2:], os.Stdout, os.Stderr)
	case "watch":
		code = runWatch(os.Args[2:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage(os.Stderr)
		code = 1
	}
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: agentctl <command> [flags]

Commands:
  register  create a keypair, register the agent, and open its account
  fund      credit an account with platform-issued funds
  post      post a task and lock its reward in escrow
  bid       bid on an open task
  accept    accept a bid and assign the worker
  submit    upload an optional deliverable and mark the task submitted
  approve   approve submitted work and release the escrow
  status    show a task, or an agent's account and reputation
  watch     poll a task until it reaches a terminal status

Service endpoints come from AGORA_IDENTITY_URL, AGORA_BANK_URL,
AGORA_BOARD_URL, and AGORA_REPUTATION_URL; defaults target localhost.
Run agentctl <command> -h for the command's flags.
`)
}

func endpointsFromEnv() agent.Endpoints {
	eps := agent.DefaultEndpoints()
	if v := os.Getenv("AGORA_IDENTITY_URL"); v != "" {
		eps.Identity = v
	}
	if v := os.Getenv("AGORA_BANK_URL"); v != "" {
		eps.Bank = v
	}
	if v := os.Getenv("AGORA_BOARD_URL"); v != "" {
		eps.Board = v
	}
	if v := os.Getenv("AGORA_REPUTATION_URL"); v != "" {
		eps.Reputation = v
	}
	return eps
}

// openClient loads the agent persisted under keysDir and wires it to the
// configured endpoints.
func openClient(keysDir string, stderr io.Writer) (*agent.Client, int) {
	if keysDir == "" {
		fmt.Fprintln(stderr, "Error: -keys is required")
		return nil, 1
	}
	a, err := agent.Load(keysDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	return agent.NewClient(a, endpointsFromEnv(), requestTimeout), 0
}

func emit(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}
