package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const usage = `usage: aero-webrtc-call [flags] <command>

commands:
  dial <participant> [audio|video]   place a 1:1 call
  join <session> [audio|video]       join a group session
  wait                               answer incoming calls and group rings
`

var errUsage = errors.New(strings.TrimSpace(usage))

type action string

const (
	actionDial action = "dial"
	actionJoin action = "join"
	actionWait action = "wait"
)

type command struct {
	action action
	target string
	video  bool
}

// parseCommand reads the positional arguments. Calls default to video.
func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}
	cmd := command{action: action(args[0]), video: true}
	switch cmd.action {
	case actionWait:
		if len(args) != 1 {
			return command{}, errUsage
		}
		return cmd, nil
	case actionDial, actionJoin:
		if len(args) < 2 || len(args) > 3 || strings.TrimSpace(args[1]) == "" {
			return command{}, errUsage
		}
		cmd.target = strings.TrimSpace(args[1])
		if len(args) == 3 {
			switch args[2] {
			case "audio":
				cmd.video = false
			case "video":
			default:
				return command{}, fmt.Errorf("unknown media kind %q: %w", args[2], errUsage)
			}
		}
		return cmd, nil
	default:
		return command{}, fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

// localID resolves the participant id this client signals as.
func localID(cfg config.Config) (string, error) {
	if cfg.ParticipantID != "" {
		return cfg.ParticipantID, nil
	}
	if cfg.Credential == "" {
		return "", errors.New("--participant-id or a JWT --credential is required")
	}
	id, err := auth.SubjectOf(cfg.Credential)
	if err != nil {
		return "", fmt.Errorf("participant id from credential: %w", err)
	}
	return id, nil
}
