package chatevents

import (
	"strings"
)

// Command is one parsed bot command. The concrete types below are the only implementations.
type Command interface {
	isCommand()
}

type (
	Start       struct{}
	AnonChannel struct{}
	Events      struct{}

	Link struct {
		EventID string
		Name    string
	}
	Unlink struct {
		EventID string
	}

	// Unknown carries the command name, or is empty for a malformed known command.
	Unknown struct {
		Name   string
		Reason string
	}
)

func (Start) isCommand()       {}
func (AnonChannel) isCommand() {}
func (Events) isCommand()      {}
func (Link) isCommand()        {}
func (Unlink) isCommand()      {}
func (Unknown) isCommand()     {}

// ParseCommand parses "/name[@bot] args...". Text that is not a command parses as Unknown.
func ParseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Unknown{Reason: "not a command"}
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	name = strings.ToLower(name)
	args := fields[1:]

	switch name {
	case "start", "help":
		return Start{}
	case "link":
		if len(args) == 0 {
			return Unknown{Name: name, Reason: "usage: /link <eventId> [name]"}
		}
		return Link{EventID: args[0], Name: strings.Join(args[1:], " ")}
	case "unlink":
		if len(args) != 1 {
			return Unknown{Name: name, Reason: "usage: /unlink <eventId>"}
		}
		return Unlink{EventID: args[0]}
	case "anonchannel":
		return AnonChannel{}
	case "events":
		return Events{}
	default:
		return Unknown{Name: name, Reason: "unknown command"}
	}
}
