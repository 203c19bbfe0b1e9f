package main

import (
	"errors"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want command
	}{
		{args: []string{"wait"}, want: command{action: actionWait, video: true}},
		{args: []string{"dial", "bob"}, want: command{action: actionDial, target: "bob", video: true}},
		{args: []string{"dial", "bob", "audio"}, want: command{action: actionDial, target: "bob"}},
		{args: []string{"join", "standup", "video"}, want: command{action: actionJoin, target: "standup", video: true}},
	}
	for _, tc := range tests {
		got, err := parseCommand(tc.args)
		if err != nil {
			t.Fatalf("parseCommand(%v): %v", tc.args, err)
		}
		if got != tc.want {
			t.Fatalf("parseCommand(%v)=%+v, want %+v", tc.args, got, tc.want)
		}
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"dial"},
		{"dial", " "},
		{"join", "room", "screen"},
		{"wait", "now"},
		{"ring", "bob"},
	} {
		if _, err := parseCommand(args); !errors.Is(err, errUsage) {
			t.Fatalf("parseCommand(%v) err=%v, want usage error", args, err)
		}
	}
}

func TestLocalID(t *testing.T) {
	if id, err := localID(config.Config{ParticipantID: "alice", Credential: "ignored"}); err != nil || id != "alice" {
		t.Fatalf("localID=%q, %v", id, err)
	}

	token, err := auth.IssueToken("secret", "bob", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if id, err := localID(config.Config{Credential: token}); err != nil || id != "bob" {
		t.Fatalf("localID=%q, %v", id, err)
	}

	if _, err := localID(config.Config{Credential: "api-key"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	if _, err := localID(config.Config{}); err == nil {
		t.Fatalf("expected an error without id or credential")
	}
}
