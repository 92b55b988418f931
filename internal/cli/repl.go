// Package cli is the interactive terminal front end for chatdesk.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chatdesk.dev/internal/client"
	"github.com/peterh/liner"
)

// Prompter reads lines from the user. *liner.State satisfies it.
type Prompter interface {
	Prompt(prompt string) (string, error)
	PasswordPrompt(prompt string) (string, error)
	AppendHistory(item string)
}

type REPL struct {
	client      *client.Client
	prompter    Prompter
	out         io.Writer
	render      Renderer
	defaultUser string
}

func NewREPL(c *client.Client, prompter Prompter, out io.Writer, render Renderer, defaultUser string) *REPL {
	if render == nil {
		render = plainRenderer{}
	}
	return &REPL{client: c, prompter: prompter, out: out, render: render, defaultUser: defaultUser}
}

// NewLiner returns a line editor configured for the REPL. Callers must Close it.
func NewLiner() *liner.State {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return line
}

func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintf(r.out, "chatdesk at %s. Type /help for commands.\n", r.client.BaseURL())
	if status, err := r.client.CheckAuth(ctx); err == nil && status.IsAuthenticated {
		fmt.Fprintf(r.out, "Signed in as %s.\n", status.Username)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.prompter.Prompt("> ")
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return nil
		}
		if err != nil {
			return err
		}
		cmd := ParseLine(line)
		if cmd.Kind != KindEmpty {
			r.prompter.AppendHistory(line)
		}
		quit, err := r.Execute(ctx, cmd)
		if err != nil {
			fmt.Fprintf(r.out, "error: %s\n", describe(err))
		}
		if quit {
			return nil
		}
	}
}

// Execute runs one parsed command. It reports whether the REPL should exit.
func (r *REPL) Execute(ctx context.Context, cmd Command) (bool, error) {
	switch cmd.Kind {
	case KindEmpty:
		return false, nil
	case KindQuit:
		return true, nil
	case KindHelp:
		fmt.Fprintln(r.out, helpText)
		return false, nil
	case KindUnknown:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd.Arg)
	case KindRegister:
		user, pass, err := r.credentials(cmd.Arg)
		if err != nil {
			return false, err
		}
		msg, err := r.client.Register(ctx, user, pass)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, msg)
		return false, nil
	case KindLogin:
		user, pass, err := r.credentials(cmd.Arg)
		if err != nil {
			return false, err
		}
		username, err := r.client.Login(ctx, user, pass)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Signed in as %s.\n", username)
		return false, nil
	case KindLogout:
		if err := r.client.Logout(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Logged out.")
		return false, nil
	case KindWhoAmI:
		status, err := r.client.CheckAuth(ctx)
		if err != nil {
			return false, err
		}
		if !status.IsAuthenticated {
			fmt.Fprintln(r.out, "Not signed in.")
			return false, nil
		}
		fmt.Fprintf(r.out, "Signed in as %s.\n", status.Username)
		return false, nil
	case KindHistory:
		exchanges, err := r.client.History(ctx)
		if err != nil {
			return false, err
		}
		if len(exchanges) == 0 {
			fmt.Fprintln(r.out, "No messages yet.")
			return false, nil
		}
		for _, ex := range exchanges {
			fmt.Fprintf(r.out, "you: %s\n", ex.Prompt)
			fmt.Fprint(r.out, r.render.Render(ex.Reply))
		}
		return false, nil
	case KindChat:
		res, err := r.client.Chat(ctx, cmd.Arg)
		if res.Failed {
			fmt.Fprint(r.out, r.render.Render(res.Reply))
			return false, nil
		}
		if err != nil {
			return false, err
		}
		fmt.Fprint(r.out, r.render.Render(res.Reply))
		return false, nil
	}
	return false, fmt.Errorf("unhandled command kind %d", cmd.Kind)
}

func (r *REPL) credentials(user string) (string, string, error) {
	if user == "" {
		user = r.defaultUser
	}
	if user == "" {
		entered, err := r.prompter.Prompt("Username: ")
		if err != nil {
			return "", "", err
		}
		user = entered
	}
	pass, err := r.prompter.PasswordPrompt("Password: ")
	if err != nil {
		return "", "", err
	}
	return user, pass, nil
}

func describe(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
