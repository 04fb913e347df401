package main

import (
	"strings"
	"testing"
)

// Argument validation runs before any command logic, so these execute the
// real cobra tree without touching the store or the network.

func TestSyncCmd_RejectsArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"sync", "extra"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("sync command should fail with positional arguments")
	}
}

func TestAddCmd_RequiresCollection(t *testing.T) {
	rootCmd.SetArgs([]string{"add"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("add command should fail without a collection")
	}
}

// Flag state persists across Execute calls, so this must run before any
// test that passes --amount.
func TestAddCmd_RequiresAmount(t *testing.T) {
	rootCmd.SetArgs([]string{"add", "expenses"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("add command should fail without --amount")
	}
}

func TestAddCmd_RejectsUnknownCollection(t *testing.T) {
	rootCmd.SetArgs([]string{"add", "bogus", "--amount", "5"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("add command should reject an unregistered collection")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error should name the bad collection, got: %v", err)
	}
	if !strings.Contains(err.Error(), "expenses") {
		t.Errorf("error should list valid collections, got: %v", err)
	}
}

func TestListCmd_RequiresCollection(t *testing.T) {
	rootCmd.SetArgs([]string{"list"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("list command should fail without a collection")
	}
}

func TestRootCmd_RejectsBadLogLevel(t *testing.T) {
	rootCmd.SetArgs([]string{"status", "--log-level", "verbose"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "verbose") {
		t.Errorf("error should include the bad level, got: %v", err)
	}
}
