package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	bankclient "agora/clients/bank"
	"agora/crypto"
	"agora/crypto/jws"
	"agora/sdk/agent"
)

// runRegister creates a fresh keypair, enrolls it with the identity service,
// opens the agent's ledger account, and persists both key and credentials
// under -keys. Registration and account creation happen together because an
// agent without an account cannot move money anywhere on the platform.
func runRegister(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "agent display name")
	keysDir := fs.String("keys", "", "directory for the agent's key and credentials")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *name == "" || *keysDir == "" {
		fmt.Fprintln(stderr, "Error: -name and -keys are required")
		return 1
	}
	if _, err := os.Stat(filepath.Join(*keysDir, "agent.json")); err == nil {
		fmt.Fprintf(stderr, "Error: %s already holds credentials; pick another directory\n", *keysDir)
		return 1
	}

	a, err := agent.New(*name)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	client := agent.NewClient(a, endpointsFromEnv(), requestTimeout)
	ctx := context.Background()

	identity, err := client.Register(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: register: %v\n", err)
		return 1
	}
	// Persist before opening the account: a failure past this point must
	// not orphan the registered key.
	if err := a.Save(*keysDir); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	account, err := client.CreateAccount(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: create account: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, map[string]any{"agent": identity, "account": account})
}

// runFund credits an account with platform-issued funds. It needs the
// platform's signing key, so it is an operator command, not an agent one.
func runFund(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fund", flag.ContinueOnError)
	fs.SetOutput(stderr)
	account := fs.String("account", "", "account to credit")
	amount := fs.Int64("amount", 0, "amount to credit")
	reference := fs.String("reference", "", "idempotency reference (defaults to a fresh fund:<uuid>)")
	keyPath := fs.String("key", os.Getenv("AGORA_PLATFORM_KEY"), "platform key PEM (defaults to $AGORA_PLATFORM_KEY)")
	platformID := fs.String("platform", os.Getenv("AGORA_PLATFORM_ID"), "platform agent id (defaults to $AGORA_PLATFORM_ID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	switch {
	case *account == "":
		fmt.Fprintln(stderr, "Error: -account is required")
		return 1
	case *amount <= 0:
		fmt.Fprintln(stderr, "Error: -amount must be positive")
		return 1
	case *keyPath == "":
		fmt.Fprintln(stderr, "Error: -key or AGORA_PLATFORM_KEY is required")
		return 1
	case *platformID == "":
		fmt.Fprintln(stderr, "Error: -platform or AGORA_PLATFORM_ID is required")
		return 1
	}
	if *reference == "" {
		*reference = "fund:" + uuid.NewString()
	}

	key, err := crypto.LoadKey(*keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	bank := bankclient.New(endpointsFromEnv().Bank, requestTimeout, jws.Signer{KeyID: *platformID, Key: key})
	tx, err := bank.Credit(context.Background(), *account, *amount, *reference)
	if err != nil {
		fmt.Fprintf(stderr, "Error: credit: %v\n", err)
		return 1
	}
	return emit(stdout, stderr, tx)
}
