package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/backend"
	"github.com/gosuda/portal-chat/credstore"
	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
	"github.com/gosuda/portal-chat/render"
)

var errSignedOut = errors.New("not signed in; run login or register first")

var (
	flagEmail    string
	flagPassword string
	flagUsername string
	flagRoomName string
	flagMembers  []string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return authenticate(cmd, func(api *backend.Client, password string) (backend.Credentials, error) {
			return api.Login(cmd.Context(), flagEmail, password)
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if strings.TrimSpace(flagUsername) == "" {
			return errors.New("--username is required")
		}
		return authenticate(cmd, func(api *backend.Client, password string) (backend.Credentials, error) {
			return api.Register(cmd.Context(), flagUsername, flagEmail, password)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := credstore.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := credstore.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		sess := store.Load()
		if !sess.SignedIn() {
			return errSignedOut
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> (%s)\n", render.Label(sess.User.Username), sess.User.Email, sess.User.ID)
		return nil
	},
}

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Ping the API so a sleeping host starts up",
	RunE: func(cmd *cobra.Command, _ []string) error {
		api, err := backend.New(cfg.APIURL, nil)
		if err != nil {
			return err
		}
		if err := api.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is awake\n", cfg.APIURL)
		return nil
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms you belong to",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listConversations(cmd, protocol.KindRoom)
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the people you can message",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listConversations(cmd, protocol.KindDirect)
	},
}

var createRoomCmd = &cobra.Command{
	Use:   "create-room",
	Short: "Create a group room with the given members",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, api, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if !store.Load().SignedIn() {
			return errSignedOut
		}
		members, err := resolveMembers(cmd, api, flagMembers)
		if err != nil {
			return err
		}
		room, err := api.CreateRoom(cmd.Context(), flagRoomName, members)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", render.Label(room.Name), room.ID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVar(&flagEmail, "email", "", "account email")
		c.Flags().StringVar(&flagPassword, "password", "", "account password; read from stdin when empty")
		_ = c.MarkFlagRequired("email")
	}
	registerCmd.Flags().StringVar(&flagUsername, "username", "", "display name")
	createRoomCmd.Flags().StringVar(&flagRoomName, "name", "", "room name")
	createRoomCmd.Flags().StringSliceVar(&flagMembers, "member", nil, "member usernames; repeat or comma-separated")
	_ = createRoomCmd.MarkFlagRequired("name")
}

func authenticate(cmd *cobra.Command, call func(*backend.Client, string) (backend.Credentials, error)) error {
	password := flagPassword
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	store, api, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	creds, err := call(api, password)
	if err != nil {
		return err
	}
	if err := store.Save(credstore.Session{Token: creds.Token, User: creds.User}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", render.Label(creds.User.Username))
	return nil
}

func listConversations(cmd *cobra.Command, kind protocol.Kind) error {
	store, api, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	sess := store.Load()
	if !sess.SignedIn() {
		return errSignedOut
	}
	convs, err := api.Directory(cmd.Context(), sess.User.ID.Key)
	if err != nil {
		return err
	}
	for _, c := range convs {
		if c.Kind == kind {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", render.Label(c.DisplayName), c.ID)
		}
	}
	return nil
}

// resolveMembers maps usernames to user ids. Unknown names are an error.
func resolveMembers(cmd *cobra.Command, api *backend.Client, names []string) ([]identity.Key, error) {
	if len(names) == 0 {
		return nil, nil
	}
	users, err := api.Users(cmd.Context())
	if err != nil {
		return nil, err
	}
	byName := make(map[string]identity.Key, len(users))
	for _, u := range users {
		byName[strings.ToLower(u.Username)] = u.ID.Key
	}
	out := make([]identity.Key, 0, len(names))
	for _, n := range names {
		id, ok := byName[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown user %q", n)
		}
		out = append(out, id)
	}
	return out, nil
}
