// Package parser parses admin console commands.
package parser

import (
	"fmt"
	"strings"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

type CommandType uint8

const (
	CmdList CommandType = iota
	CmdInfo
	CmdDown
	CmdRecoveryInfo
	CmdHelp
	CmdExit
)

// Command is a parsed admin console line.
type Command struct {
	Type     CommandType
	ServerID protocol.ServerId
	Blob     string
}

// Parse parses one console line. Grammar:
//
//	LIST
//	INFO <index.generation>
//	DOWN <index.generation>
//	RECOVERY <index.generation> <blob>
//	HELP | EXIT | QUIT
func Parse(input string) (*Command, error) {
	tokens := strings.Fields(input)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	switch strings.ToUpper(tokens[0]) {
	case "LIST":
		if len(tokens) != 1 {
			return nil, fmt.Errorf("LIST takes no arguments")
		}
		return &Command{Type: CmdList}, nil

	case "INFO":
		id, err := parseID(tokens)
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdInfo, ServerID: id}, nil

	case "DOWN":
		id, err := parseID(tokens)
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdDown, ServerID: id}, nil

	case "RECOVERY":
		if len(tokens) != 3 {
			return nil, fmt.Errorf("usage: RECOVERY <server-id> <blob>")
		}
		id, err := protocol.ParseServerId(tokens[1])
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdRecoveryInfo, ServerID: id, Blob: tokens[2]}, nil

	case "HELP":
		return &Command{Type: CmdHelp}, nil

	case "EXIT", "QUIT":
		return &Command{Type: CmdExit}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", tokens[0])
	}
}

func parseID(tokens []string) (protocol.ServerId, error) {
	if len(tokens) != 2 {
		return protocol.InvalidServerId, fmt.Errorf("usage: %s <server-id>", strings.ToUpper(tokens[0]))
	}
	return protocol.ParseServerId(tokens[1])
}
