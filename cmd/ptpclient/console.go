package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/omochice/ptp-msgconn/internal/account"
	"github.com/omochice/ptp-msgconn/internal/msgconn"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

type commandKind int

const (
	cmdData commandKind = iota
	cmdLogin
	cmdLogout
	cmdConnect
	cmdClose
	cmdState
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	args []string
	text string
}

var errUsage = errors.New("usage")

const helpText = `commands:
  /login <uid> <token>  log in with a session token
  /logout               forget the stored session
  /connect              connect now
  /close                drop the connection
  /state                print the connection state
  /quit                 exit
anything else is sent as a data request`

// parseLine turns one input line into a command. Blank lines yield false.
func parseLine(line string) (command, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdData, text: line}, true, nil
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/login":
		if len(args) != 2 {
			return command{}, false, fmt.Errorf("%w: /login <uid> <token>", errUsage)
		}
		return command{kind: cmdLogin, args: args}, true, nil
	case "/logout":
		return command{kind: cmdLogout}, true, nil
	case "/connect":
		return command{kind: cmdConnect}, true, nil
	case "/close":
		return command{kind: cmdClose}, true, nil
	case "/state":
		return command{kind: cmdState}, true, nil
	case "/help":
		return command{kind: cmdHelp}, true, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, true, nil
	}
	return command{}, false, fmt.Errorf("%w: unknown command %s, try /help", errUsage, name)
}

// console drives one account's connection from line input.
type console struct {
	conn *msgconn.Conn
	acct *account.Account
	out  io.Writer
}

// run reads commands until in is exhausted, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, "Type a message, or /help:")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		case line := <-lines:
			cmd, ok, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(c.out, err)
				continue
			}
			if !ok {
				continue
			}
			if cmd.kind == cmdQuit {
				return nil
			}
			if err := c.exec(ctx, cmd); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdData:
		res, err := c.conn.Request(ctx, &protocol.Data{Body: []byte(cmd.text)}, 0)
		if err != nil {
			return err
		}
		if d, ok := res.(*protocol.Data); ok {
			fmt.Fprintf(c.out, "< %s\n", d.Body)
		}
	case cmdLogin:
		addr, err := c.acct.AccountAddress(ctx)
		if err != nil {
			return err
		}
		uid, err := c.conn.Login(ctx, &protocol.Session{UID: cmd.args[0], Token: cmd.args[1], Address: addr})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "logged in as %s\n", uid)
	case cmdLogout:
		return c.acct.ClearSession(ctx)
	case cmdConnect:
		return c.conn.Connect(ctx)
	case cmdClose:
		return c.conn.Close()
	case cmdState:
		fmt.Fprintln(c.out, c.conn.State())
	case cmdHelp:
		fmt.Fprintln(c.out, helpText)
	}
	return nil
}

// formatEvent renders an event for the terminal. InitAccount renders empty.
func formatEvent(ev msgconn.Event) string {
	switch p := ev.Payload.(type) {
	case msgconn.StatePayload:
		return fmt.Sprintf("*** [%s] %s ***", ev.AccountID, p.State)
	case msgconn.LoginPayload:
		return fmt.Sprintf("*** [%s] logged in as %s ***", ev.AccountID, p.Session.UID)
	case msgconn.DataPayload:
		if d, ok := p.Message.(*protocol.Data); ok {
			return fmt.Sprintf("[%s push %s]: %s", ev.AccountID, d.Command(), d.Body)
		}
		return fmt.Sprintf("[%s push %s]", ev.AccountID, p.Message.Command())
	}
	return ""
}

func printEvents(ctx context.Context, sub *msgconn.Subscription, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			if s := formatEvent(ev); s != "" {
				fmt.Fprintln(out, s)
			}
		}
	}
}
