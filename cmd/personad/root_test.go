package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	t.Parallel()
	root := newRootCmd()

	want := []string{
		"init", "start", "status", "fire", "personas",
		"triggers", "executions", "logs", "issues", "watch",
	}
	got := make(map[string]bool)
	for _, c := range root.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRootCmdVersion(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "personad ") {
		t.Errorf("version output = %q, want personad prefix", buf.String())
	}
}
