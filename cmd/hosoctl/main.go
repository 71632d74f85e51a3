package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/client"
	"github.com/NicolasHaas/hosorelay/pkg/logging"
	"github.com/NicolasHaas/hosorelay/pkg/version"
)

const usage = `commands:
  /gadgets                 request the gadget list
  /state <gadget> <state>  request a state change
  /groups                  request the group list
  /alias <gadget> <alias>  rename a gadget (admin)
  /group <name> [members]  edit a group, no members deletes it (admin)
  /loc <lat> <lon>         report a location
  /logout                  revoke this session key and quit
  /logoutall               revoke every session key of the user and quit
  /quit                    disconnect
`

func main() {
	settingsPath := client.SettingsPath()
	settings := client.LoadSettings(settingsPath)

	addr := flag.String("addr", "", "Relay address host:port")
	transport := flag.String("transport", string(settings.Transport), "Transport: tcp, tls or ws")
	wsPath := flag.String("ws-path", settings.WSPath, "Websocket endpoint path")
	insecure := flag.Bool("insecure", settings.InsecureSkipVerify, "Accept self-signed TLS certificates")
	user := flag.String("user", "", "User name")
	password := flag.String("password", "", "Password (manual login)")
	key := flag.String("session-key", "", "Session key (automatic login)")
	bookmark := flag.String("bookmark", settings.LastBookmark, "Saved relay to connect to")
	save := flag.String("save", "", "Save this login as a bookmark with the given name")
	hubID := flag.Int64("hub", 0, "Log in as this hub id instead of a user; stdin lines are sent raw")
	hubPassword := flag.String("hub-password", "", "Hub password")
	alias := flag.String("alias", "", "Hub alias")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("hosoctl"))
		return
	}
	if err := logging.Setup(logging.Options{Component: "hosoctl", Level: *logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	opts := client.DialOptions{
		Addr:               *addr,
		Transport:          client.Transport(*transport),
		WSPath:             *wsPath,
		InsecureSkipVerify: *insecure,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *hubID != 0 {
		if err := runHub(ctx, opts, *hubID, *hubPassword, *alias); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	bookmarks := client.NewBookmarkStore()
	if err := bookmarks.Load(); err != nil {
		slog.Warn("load bookmarks", "err", err)
	}
	creds := client.Credentials{Name: *user, Password: *password, SessionKey: *key}
	if *addr == "" && *bookmark != "" {
		b := bookmarks.Find(*bookmark)
		if b == nil {
			fmt.Fprintf(os.Stderr, "unknown bookmark %q\n", *bookmark)
			os.Exit(1)
		}
		opts = b.DialOptions(*insecure)
		creds = client.Credentials{Name: b.Username, SessionKey: b.SessionKey}
	}
	if opts.Addr == "" || creds.Name == "" {
		fmt.Fprintln(os.Stderr, "need -addr and -user, or -bookmark")
		os.Exit(1)
	}

	e := client.NewEngine(settings.PingInterval)
	done := make(chan struct{})
	e.OnGadgets = func(count int, gadgets []string) {
		fmt.Printf("%d gadgets\n", count)
		for _, g := range gadgets {
			fmt.Println("  " + g)
		}
	}
	e.OnGadgetState = func(id, state string) { fmt.Printf("gadget %s -> %s\n", id, state) }
	e.OnGadgetNew = func(fields []string) { fmt.Println("new gadget:", strings.Join(fields, " ")) }
	e.OnGadgetGone = func(id string) { fmt.Println("gadget removed:", id) }
	e.OnGroups = func(groups []string) { fmt.Println("groups:", strings.Join(groups, " | ")) }
	e.OnAlias = func(id, alias string) { fmt.Printf("gadget %s is now %q\n", id, alias) }
	e.OnError = func(err error) { fmt.Println("error:", err) }
	e.OnLine = func(line string) { fmt.Println("<", line) }
	e.OnDisconnect = func(reason string) {
		fmt.Println("disconnected:", reason)
		close(done)
	}

	res, err := e.Connect(ctx, opts, creds)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	hub := res.HubAlias
	if hub == "" {
		hub = "(hub offline)"
	}
	fmt.Printf("logged in as %s on %s, admin=%t\n", res.Name, hub, res.Admin)

	if *save != "" {
		bookmarks.Add(client.Bookmark{
			Name:       *save,
			Addr:       opts.Addr,
			Transport:  opts.Transport,
			WSPath:     opts.WSPath,
			Username:   res.Name,
			SessionKey: res.SessionKey,
		})
		settings.LastBookmark = *save
	}
	if settings.LastBookmark != "" {
		bookmarks.Touch(opts.Addr, res.Name, time.Now().Unix())
		if err := bookmarks.Save(); err != nil {
			slog.Warn("save bookmarks", "err", err)
		}
		if err := settings.Save(settingsPath); err != nil {
			slog.Warn("save settings", "err", err)
		}
	}

	fmt.Print(usage)
	go readCommands(e)
	<-done
}

func readCommands(e *client.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch cmd, args := fields[0], fields[1:]; {
		case cmd == "/gadgets":
			err = e.RequestGadgets()
		case cmd == "/state" && len(args) == 2:
			err = e.RequestState(args[0], args[1])
		case cmd == "/groups":
			err = e.RequestGroups()
		case cmd == "/alias" && len(args) >= 2:
			err = e.EditAlias(args[0], strings.Join(args[1:], " "))
		case cmd == "/group" && len(args) >= 1:
			err = e.EditGroup(args[0], args[1:]...)
		case cmd == "/loc" && len(args) >= 1:
			err = e.ReportLocation(args...)
		case cmd == "/logout":
			err = e.Logout()
		case cmd == "/logoutall":
			err = e.LogoutAll()
		case cmd == "/quit":
			e.Disconnect()
			return
		default:
			fmt.Print(usage)
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
	e.Disconnect()
}

// runHub logs in as a hub and relays stdin lines verbatim.
func runHub(ctx context.Context, opts client.DialOptions, hubID int64, password, alias string) error {
	c, err := client.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if err := c.HubLogin(hubID, password, alias); err != nil {
		return err
	}
	fmt.Printf("logged in as hub %d (%s)\n", hubID, alias)

	c.SetLineHandler(func(line string) { fmt.Println("<", line) })
	c.StartReceiving()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-c.Done():
			fmt.Println("disconnected")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Send(line); err != nil {
				return err
			}
		}
	}
}
