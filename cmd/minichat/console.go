package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

const (
	refreshInterval = 500 * time.Millisecond
	commandTimeout  = 10 * time.Second
)

const helpText = `commands:
  /users         list contacts
  /open <id>     open the conversation with <id>
  /history       print the open conversation
  /state         connection state and pending sends
  /help          this text
  /quit          log out and exit
any other line is sent to the open conversation.`

// chatSession is what the console needs from *chat.Session.
type chatSession interface {
	Identity() *chat.Identity
	ListContacts(ctx context.Context) ([]chat.Contact, error)
	SelectConversation(ctx context.Context, contactId string) error
	ActiveContact() (string, bool)
	ActiveConversation() []chat.Message
	ComposeAndSend(content string) (chat.Message, error)
	ConnectionState() chat.State
	PendingCount() int
	Logout()
}

type console struct {
	sess chatSession
	in   io.Reader

	mu   sync.Mutex
	out  io.Writer
	seen map[string]bool // printed messages of the open conversation
}

func newConsole(sess chatSession, in io.Reader, out io.Writer) *console {
	return &console{
		sess: sess,
		in:   in,
		out:  out,
		seen: make(map[string]bool),
	}
}

// run reads commands until /quit or the end of input.
func (c *console) run() {
	c.printf("logged in as %s (%s)\n%s\n", c.sess.Identity().Id, c.sess.Identity().Role, helpText)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if !c.handle(scanner.Text()) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		glog.Errorf("console: read input error: %v", err)
	}
	c.sess.Logout()
}

// handle executes one input line, false means quit.
func (c *console) handle(line string) bool {
	cmd, arg := parseCommand(line)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd {
	case "":
	case "/quit", "/logout":
		c.sess.Logout()
		c.printf("bye\n")
		return false
	case "/help":
		c.printf("%s\n", helpText)
	case "/users":
		contacts, err := c.sess.ListContacts(ctx)
		if err != nil {
			c.printf("! %v\n", err)
			break
		}
		if len(contacts) == 0 {
			c.printf("no contacts\n")
		}
		for _, ct := range contacts {
			c.printf("  %-12s %-10s %s <%s>\n", ct.Id, ct.Role, ct.DisplayName, ct.Email)
		}
	case "/open":
		if arg == "" {
			c.printf("! usage: /open <id>\n")
			break
		}
		c.resetSeen()
		if err := c.sess.SelectConversation(ctx, arg); err != nil {
			c.printf("! %v\n", err)
			if !errors.Is(err, chat.ErrHistoryUnavailable) {
				break
			}
		}
		c.printf("-- conversation with %s --\n", arg)
		c.printNew()
	case "/history":
		if _, ok := c.sess.ActiveContact(); !ok {
			c.printf("! %v\n", chat.ErrNoActiveConversation)
			break
		}
		c.resetSeen()
		c.printNew()
	case "/state":
		c.printf("state: %s, pending: %d\n", c.sess.ConnectionState(), c.sess.PendingCount())
	default:
		if strings.HasPrefix(cmd, "/") {
			c.printf("! unknown command %s, try /help\n", cmd)
			break
		}
		if _, err := c.sess.ComposeAndSend(line); err != nil {
			c.printf("! %v\n", err)
			break
		}
		c.printNew()
	}
	return true
}

// printNew prints the messages of the open conversation not printed yet.
func (c *console) printNew() {
	msgs := c.sess.ActiveConversation()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range msgs {
		m := &msgs[i]
		k := messageKey(m)
		if c.seen[k] {
			continue
		}
		c.seen[k] = true
		fmt.Fprintln(c.out, formatMessage(m, c.sess.Identity().Id))
	}
}

func (c *console) printNotice(n chat.Notice) {
	switch {
	case chat.IsDeliveryFailure(n) && n.Pending != nil:
		c.printf("! not delivered to %s: %q (%v)\n", n.Pending.ReceiverId, n.Pending.Content, n.Err)
	case n.Err != nil:
		c.printf("! %s: %v\n", n.State, n.Err)
	default:
		c.printf("* %s\n", n.State)
	}
}

func (c *console) resetSeen() {
	c.mu.Lock()
	c.seen = make(map[string]bool)
	c.mu.Unlock()
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	fmt.Fprintf(c.out, format, args...)
	c.mu.Unlock()
}

func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		if line == "" {
			return "", ""
		}
		return line, ""
	}
	fields := strings.Fields(line)
	cmd = fields[0]
	if len(fields) > 1 {
		arg = fields[1]
	}
	return cmd, arg
}

// messageKey identifies a message across its optimistic and confirmed forms.
func messageKey(m *chat.Message) string {
	if m.ClientId != "" {
		return "c:" + m.ClientId
	}
	return "s:" + m.ServerId
}

func formatMessage(m *chat.Message, self string) string {
	who := m.SenderId
	if who == self {
		who = "me"
	}
	mark := ""
	if m.Origin == chat.OriginLocal && m.ServerId == "" {
		mark = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Timestamp.Format("15:04:05"), who, m.Content, mark)
}
