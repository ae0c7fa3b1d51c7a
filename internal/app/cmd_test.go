package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはrun", []string{}, CommandRun},
		{"run", []string{"run"}, CommandRun},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"check", []string{"check"}, CommandCheck},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のコマンドはrun", []string{"unknown"}, CommandRun},
		{"余分な引数は無視", []string{"check", "--verbose"}, CommandCheck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandRun, "run"},
		{CommandMigrate, "migrate"},
		{CommandCheck, "check"},
		{CommandHealthcheck, "healthcheck"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
