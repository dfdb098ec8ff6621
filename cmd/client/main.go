package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/socket-chat/internal/client"
	"github.com/omochice/socket-chat/internal/client/tcp"
	"github.com/omochice/socket-chat/internal/client/ws"
	"github.com/omochice/socket-chat/pkg/protocol"
)

const help = `Commands:
  /msg USER TEXT       private message
  /group ID TEXT       message a group
  /create NAME         create a group
  /join ID             join a group
  /leave ID            leave a group
  /delete ID           delete a group you created
  /members ID          list group members
  /history USER|#ID    private or group history
  /send PATH [USER]    send a file
  /quit                leave the chat
Anything else is sent to everyone.`

var errQuit = errors.New("quit")

func main() {
	serverAddr := flag.String("server", "localhost:5555", "Server address (host:port, or ws://host:port/ with -ws)")
	username := flag.String("username", "", "Username for chat")
	password := flag.String("password", "", "Password (empty for legacy login)")
	register := flag.Bool("register", false, "Register a new account")
	useWS := flag.Bool("ws", false, "Connect over WebSocket")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if *username == "" {
		fmt.Fprintln(os.Stderr, "Username is required. Use -username flag")
		os.Exit(2)
	}

	var c *client.Client
	if *useWS {
		addr := *serverAddr
		if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
			addr = "ws://" + addr + "/"
		}
		c = ws.New(addr, logger)
	} else {
		c = tcp.New(*serverAddr, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := c.Connect(ctx)
	cancel()
	if err != nil {
		logger.Error("Failed to connect", "server", *serverAddr, "error", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	if *register {
		err = c.Register(*username, *password)
	} else {
		err = c.Login(*username, *password)
	}
	if err != nil {
		logger.Error("Failed to log in", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.Messages() {
			fmt.Println(render(msg))
		}
		fmt.Println("*** Disconnected from server ***")
	}()

	fmt.Println("Type your messages (/help for commands):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		err := execute(c, scanner.Text(), os.Stdout)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Println("!!!", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Error reading input", "error", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// execute runs one input line. It returns errQuit for /quit.
func execute(c *client.Client, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.SendText(line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/help":
		fmt.Fprintln(out, help)
		return nil
	case "/quit", "/exit":
		if err := c.Exit(); err != nil && !errors.Is(err, client.ErrNotConnected) {
			return err
		}
		return errQuit
	case "/msg":
		user, text, ok := strings.Cut(rest, " ")
		if !ok || user == "" {
			return errors.New("usage: /msg USER TEXT")
		}
		return c.SendPrivate(user, strings.TrimSpace(text))
	case "/group":
		arg, text, _ := strings.Cut(rest, " ")
		id, err := parseGroupID(arg)
		if err != nil {
			return err
		}
		return c.SendGroup(id, strings.TrimSpace(text))
	case "/create":
		if rest == "" {
			return errors.New("usage: /create NAME")
		}
		return c.CreateGroup(rest)
	case "/join", "/leave", "/delete", "/members":
		id, err := parseGroupID(rest)
		if err != nil {
			return err
		}
		switch cmd {
		case "/join":
			return c.JoinGroup(id)
		case "/leave":
			return c.LeaveGroup(id)
		case "/delete":
			return c.DeleteGroup(id)
		default:
			return c.GroupMembers(id)
		}
	case "/history":
		if target, ok := strings.CutPrefix(rest, "#"); ok {
			id, err := parseGroupID(target)
			if err != nil {
				return err
			}
			return c.RequestGroupHistory(id)
		}
		if rest == "" {
			return errors.New("usage: /history USER|#ID")
		}
		return c.RequestPrivateHistory(rest)
	case "/send":
		path, receiver, _ := strings.Cut(rest, " ")
		if path == "" {
			return errors.New("usage: /send PATH [USER]")
		}
		return sendFile(c, path, strings.TrimSpace(receiver))
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func parseGroupID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid group id %q", s)
	}
	return id, nil
}

func sendFile(c *client.Client, path, receiver string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return c.SendFile(filepath.Base(path), f, info.Size(), receiver)
}

// render formats a server message for the terminal.
func render(msg protocol.Message) string {
	switch msg.Type {
	case protocol.MessageTypeText:
		return msg.PayloadString()
	case protocol.MessageTypeLoginSuccess, protocol.MessageTypeSuccess:
		return "*** " + msg.PayloadString() + " ***"
	case protocol.MessageTypeError:
		return "!!! " + msg.PayloadString()
	case protocol.MessageTypePrivate:
		var p protocol.PrivateDelivery
		if msg.UnmarshalPayload(&p) == nil {
			return stamp(p.Timestamp) + fmt.Sprintf("[private] %s: %s", p.Sender, p.Content)
		}
	case protocol.MessageTypeGroup:
		var g protocol.GroupDelivery
		if msg.UnmarshalPayload(&g) == nil {
			return stamp(g.Timestamp) + fmt.Sprintf("[group %s] %s: %s", g.GroupID, g.Sender, g.Content)
		}
	case protocol.MessageTypeFile:
		var f protocol.FileNotice
		if msg.UnmarshalPayload(&f) == nil {
			return fmt.Sprintf("*** %s (%d bytes) ***", f.Message, f.Filesize)
		}
	case protocol.MessageTypeUsersList:
		var users []string
		if msg.UnmarshalPayload(&users) == nil {
			return "Online: " + strings.Join(users, ", ")
		}
	case protocol.MessageTypeGroupsList:
		var groups []protocol.GroupInfo
		if msg.UnmarshalPayload(&groups) == nil {
			names := make([]string, len(groups))
			for i, g := range groups {
				names[i] = fmt.Sprintf("#%s %s (%s)", g.ID, g.Name, g.Creator)
			}
			return "Groups: " + strings.Join(names, ", ")
		}
	case protocol.MessageTypeGroupMembersResponse:
		var m protocol.GroupMembersResponse
		if msg.UnmarshalPayload(&m) == nil {
			return fmt.Sprintf("Group %s members: %s", m.GroupID, strings.Join(m.Members, ", "))
		}
	}
	return fmt.Sprintf("%s %s", msg.Type, msg.Payload)
}

func stamp(ts string) string {
	if ts == "" {
		return ""
	}
	return "[" + ts + "] "
}
