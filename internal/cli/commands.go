package cli

import "strings"

type Kind int

const (
	KindEmpty Kind = iota
	KindChat
	KindRegister
	KindLogin
	KindLogout
	KindWhoAmI
	KindHistory
	KindHelp
	KindQuit
	KindUnknown
)

type Command struct {
	Kind Kind
	// Arg is the prompt for KindChat, the username for register/login and
	// the raw command name for KindUnknown.
	Arg string
}

const helpText = `Commands:
  /register <user>  create an account
  /login <user>     start a session
  /logout           end the session
  /whoami           show the signed-in user
  /history          print this session's conversation
  /help             show this help
  /quit             exit
Anything else is sent to the assistant.`

// ParseLine maps one line of input to a command. Lines that do not start with
// a slash are chat prompts, passed through unmodified.
func ParseLine(line string) Command {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: KindEmpty}
	}
	if !strings.HasPrefix(trimmed, "/") {
		return Command{Kind: KindChat, Arg: line}
	}
	name, arg, _ := strings.Cut(trimmed[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "register":
		return Command{Kind: KindRegister, Arg: arg}
	case "login":
		return Command{Kind: KindLogin, Arg: arg}
	case "logout":
		return Command{Kind: KindLogout}
	case "whoami":
		return Command{Kind: KindWhoAmI}
	case "history":
		return Command{Kind: KindHistory}
	case "help", "?":
		return Command{Kind: KindHelp}
	case "quit", "exit", "q":
		return Command{Kind: KindQuit}
	default:
		return Command{Kind: KindUnknown, Arg: name}
	}
}
