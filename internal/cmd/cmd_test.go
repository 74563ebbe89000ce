package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd is nil")
	}

	if rootCmd.Use != "foreman" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "foreman")
	}

	// Check for expected subcommands (compare by Name(), not Use which includes args)
	expectedCmds := []string{"serve", "task", "inbox", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}

	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestTaskCommand_Subcommands(t *testing.T) {
	expected := []string{"add", "list", "show", "cancel", "retry", "implement", "approve", "logs"}
	cmdMap := make(map[string]bool)
	for _, cmd := range taskCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range expected {
		if !cmdMap[name] {
			t.Errorf("expected task subcommand %q not found", name)
		}
	}
}

func TestTaskAdd_RequiresRepo(t *testing.T) {
	_, err := executeCommand(rootCmd, "task", "add", "do something")
	if err == nil {
		t.Fatal("expected an error without --repo")
	}
	if !strings.Contains(err.Error(), "repo") {
		t.Errorf("error = %q, want a missing-flag error naming repo", err)
	}
}

func TestInboxRespond_RequiresPayload(t *testing.T) {
	_, err := executeCommand(rootCmd, "inbox", "respond", "item-123")
	if err == nil {
		t.Fatal("expected an error without --answer or --action")
	}
}

func TestConfigPath(t *testing.T) {
	output, err := executeCommand(rootCmd, "config", "path")
	if err != nil {
		t.Fatalf("config path failed: %v", err)
	}
	_ = output // printed via fmt, not the command writer
}
