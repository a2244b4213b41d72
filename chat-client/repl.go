package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/asset"
	"github.com/gosuda/portal-chat/backend"
	"github.com/gosuda/portal-chat/chat"
	"github.com/gosuda/portal-chat/conn"
	"github.com/gosuda/portal-chat/credstore"
	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
	"github.com/gosuda/portal-chat/render"
)

const lineWidth = 80

const helpText = `commands:
  /switch <name>   open another room or person
  /list [filter]   list conversations
  /img <path>      send an image
  /del <id>        delete one of your messages
  /reconnect       reconnect with a fresh retry budget
  /quit            leave
anything else is sent as a message`

var openCmd = &cobra.Command{
	Use:   "open <room or user>",
	Short: "Open a conversation and chat interactively",
	RunE:  runOpen,
}

func runOpen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, api, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	sess := store.Load()
	if !sess.SignedIn() {
		return errSignedOut
	}

	if err := api.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("[chat-client] api did not answer the wake-up ping")
	}
	convs, err := api.Directory(ctx, sess.User.ID.Key)
	if err != nil {
		return err
	}
	conv, err := pick(convs, strings.Join(args, " "))
	if err != nil {
		return err
	}

	mgr := conn.NewManager(conn.Config{
		URL:               cfg.SocketURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	})
	defer mgr.Close()

	out := cmd.OutOrStdout()
	tr := newTranscript(sess.User, lineWidth)
	chatCfg := chat.Config{
		User:           sess.User,
		TypingDelay:    cfg.TypingDelay,
		MaxUploadBytes: cfg.MaxUpload.Int64(),
		History:        api,
		Deleter:        api,
		Observer: func(s chat.Snapshot) {
			for _, l := range tr.update(s) {
				fmt.Fprintln(out, l)
			}
		},
	}
	if up, err := asset.NewUploader(cfg.CloudName, cfg.UploadPreset); err == nil {
		chatCfg.Assets = up
	} else {
		log.Debug().Err(err).Msg("[chat-client] image upload disabled")
	}
	session := chat.NewSession(chatCfg)
	defer session.Close()
	if err := session.Attach(chat.FromManager(mgr)); err != nil {
		return err
	}
	stopWatch := store.Watch(func(s credstore.Session) { mgr.SetCredential(s.Token) })
	defer stopWatch()

	if err := session.Select(&conv); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "type /help for commands")

	r := &repl{session: session, mgr: mgr, api: api, convs: convs, out: out, self: sess.User}
	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// readLines feeds stdin lines to a channel; it is closed at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// pick chooses the conversation named by query: an exact name wins, otherwise
// the query must match exactly one conversation.
func pick(convs []protocol.Conversation, query string) (protocol.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return protocol.Conversation{}, errors.New("name a room or a user to open")
	}
	matches := protocol.FilterConversations(convs, query)
	for _, c := range matches {
		if strings.EqualFold(c.DisplayName, query) {
			return c, nil
		}
	}
	switch len(matches) {
	case 0:
		return protocol.Conversation{}, fmt.Errorf("no room or user matches %q", query)
	case 1:
		return matches[0], nil
	}
	names := make([]string, 0, len(matches))
	for _, c := range matches {
		names = append(names, render.Label(c.DisplayName))
	}
	return protocol.Conversation{}, fmt.Errorf("%q is ambiguous: %s", query, strings.Join(names, ", "))
}

type repl struct {
	session *chat.Session
	mgr     *conn.Manager
	api     *backend.Client
	convs   []protocol.Conversation
	out     io.Writer
	self    protocol.User
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	// Input arrives a whole line at a time, so there are no drafts to feed
	// Session.Edit and the REPL never sends typing signals.
	if !strings.HasPrefix(line, "/") {
		_, err := r.session.Send(line)
		return false, err
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/reconnect":
		r.mgr.Reconnect()
	case "/list":
		if fresh, err := r.api.Directory(ctx, r.self.ID.Key); err == nil {
			r.convs = fresh
		} else {
			log.Debug().Err(err).Msg("[chat-client] refresh directory")
		}
		for _, c := range protocol.FilterConversations(r.convs, arg) {
			fmt.Fprintf(r.out, "  %-8s %s\n", c.Kind, render.Label(c.DisplayName))
		}
	case "/switch":
		conv, err := pick(r.convs, arg)
		if err != nil {
			return false, err
		}
		return false, r.session.Select(&conv)
	case "/del":
		if arg == "" {
			return false, errors.New("usage: /del <message id>")
		}
		return false, r.session.Delete(ctx, arg)
	case "/img":
		return false, r.upload(ctx, arg)
	default:
		return false, fmt.Errorf("unknown command %s; try /help", cmd)
	}
	return false, nil
}

func (r *repl) upload(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /img <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	size := int64(-1)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	_, err = r.session.Upload(ctx, filepath.Base(path), f, size)
	return err
}

// transcript turns session snapshots into the terminal lines not yet shown.
// It runs on the session goroutine only.
type transcript struct {
	me        protocol.User
	width     int
	conv      identity.Key
	printed   map[identity.Key]struct{}
	typing    string
	uploading bool
	connected bool
	err       error
}

func newTranscript(me protocol.User, width int) *transcript {
	return &transcript{me: me, width: width, printed: map[identity.Key]struct{}{}}
}

func (t *transcript) update(s chat.Snapshot) []string {
	var out []string
	if s.Connected != t.connected {
		t.connected = s.Connected
		if s.Connected {
			out = append(out, "-- connected --")
		} else {
			out = append(out, "-- disconnected --")
		}
	}

	key := identity.None
	var kind protocol.Kind
	if s.Conversation != nil {
		key = s.Conversation.ID.Key
		kind = s.Conversation.Kind
	}
	if key != t.conv {
		t.conv = key
		t.printed = map[identity.Key]struct{}{}
		t.typing = ""
		t.err = nil
		if s.Conversation != nil {
			out = append(out, fmt.Sprintf("== %s (%s) ==", render.Label(s.Conversation.DisplayName), kind))
		}
	}

	if s.Err != nil && s.Err != t.err {
		out = append(out, "! "+s.Err.Error())
	}
	t.err = s.Err

	if !s.Seeding {
		present := make(map[identity.Key]struct{}, len(s.Messages))
		for _, m := range s.Messages {
			present[m.ID.Key] = struct{}{}
			if _, ok := t.printed[m.ID.Key]; ok {
				continue
			}
			t.printed[m.ID.Key] = struct{}{}
			out = append(out, render.Line(m, chat.IsOwn(m, t.me), kind, t.width))
			if !m.IsImage() {
				for _, l := range render.Links(m.Content) {
					out = append(out, "    -> "+l)
				}
			}
		}
		for id := range t.printed {
			if _, ok := present[id]; !ok {
				delete(t.printed, id)
				out = append(out, fmt.Sprintf("   (message %s deleted)", id))
			}
		}
	}

	if s.TypingLabel != t.typing {
		t.typing = s.TypingLabel
		if s.TypingLabel != "" {
			out = append(out, "   "+render.Text(s.TypingLabel))
		}
	}
	if s.Uploading != t.uploading {
		t.uploading = s.Uploading
		if s.Uploading {
			out = append(out, "   uploading image...")
		}
	}
	return out
}
