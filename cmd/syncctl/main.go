package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/daemon"
	"github.com/matheus3301/convsync/internal/instance"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/pairing"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.convsync/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	pngFlag := flag.String("png", "", "pair: also write the QR code to this PNG file")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = instance.ConfigPath()
	}
	name := instance.Resolve(*instanceFlag, configPath)
	if err := instance.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Listing instances needs no daemon.
	if args[0] == "instances" {
		cmdInstances(*jsonFlag)
		return
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	socketPath := daemon.SocketPath(daemon.Params{Instance: name, Config: cfg})
	c, err := api.Dial(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for instance %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "presence":
		cmdPresence(ctx, c, arg(args, 1, "presence <user>"), *jsonFlag)
	case "sessions":
		user := ""
		if len(args) >= 2 {
			user = args[1]
		}
		cmdSessions(ctx, c, user, *jsonFlag)
	case "call", "calls":
		id := ""
		if len(args) >= 2 {
			id = args[1]
		}
		cmdCalls(ctx, c, id, *jsonFlag)
	case "pair":
		cmdPair(ctx, c, arg(args, 1, "pair <user>"), *pngFlag, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: syncctl [--instance <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status            Show daemon status")
	fmt.Fprintln(os.Stderr, "  presence <user>   Show a user's presence")
	fmt.Fprintln(os.Stderr, "  sessions [user]   List live sessions")
	fmt.Fprintln(os.Stderr, "  call [id]         Show a call, or every active call")
	fmt.Fprintln(os.Stderr, "  pair <user>       Issue a pairing code and print its QR code")
	fmt.Fprintln(os.Stderr, "  watch [prefixes]  Stream daemon events, e.g. watch call.,presence.")
	fmt.Fprintln(os.Stderr, "  instances         List local instances")
}

func arg(args []string, i int, usage string) string {
	if len(args) <= i {
		fatalf("usage: syncctl %s", usage)
	}
	return args[i]
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Instance:  %s\n", st.Instance)
	fmt.Printf("Status:    %s (since %s)\n", st.Status, st.Since.Local().Format(time.DateTime))
	if st.Reason != "" {
		fmt.Printf("Reason:    %s\n", st.Reason)
	}
	fmt.Printf("Uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Sessions:  %d (%d users)\n", st.Sessions, st.Users)
	fmt.Printf("Calls:     %d active\n", st.ActiveCalls)
	fmt.Printf("Retries:   %d pending\n", st.RetryQueue)
	fmt.Printf("Pairing:   %d outstanding\n", st.PairingCodes)
	if st.Store != nil {
		fmt.Printf("Store:     %d messages (%d unread) in %d conversations\n",
			st.Store.Messages, st.Store.Unread, st.Store.Conversations)
	}
	if st.DroppedEvents > 0 {
		fmt.Printf("Dropped:   %d bus events\n", st.DroppedEvents)
	}
}

func cmdPresence(ctx context.Context, c *api.Client, user string, jsonOut bool) {
	p, err := c.Presence(ctx, user)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(p)
		return
	}
	fmt.Printf("%s: %s", p.UserID, p.Status)
	if !p.LastSeenAt.IsZero() {
		fmt.Printf(" (last seen %s)", p.LastSeenAt.Local().Format(time.DateTime))
	}
	fmt.Printf(", %d sessions\n", p.Sessions)
}

func cmdSessions(ctx context.Context, c *api.Client, user string, jsonOut bool) {
	sessions, err := c.Sessions(ctx, user)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No live sessions.")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%-20s %-36s connected %s, active %s\n",
			s.UserID, s.SessionID,
			s.ConnectedAt.Local().Format(time.TimeOnly),
			s.LastActivityAt.Local().Format(time.TimeOnly))
	}
}

func cmdCalls(ctx context.Context, c *api.Client, id string, jsonOut bool) {
	r, err := c.Calls(ctx, id)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(r.Calls)
		return
	}
	if len(r.Calls) == 0 {
		fmt.Println("No active calls.")
		return
	}
	for _, info := range r.Calls {
		fmt.Printf("%s %s -> %s [%s] %s", info.CallID, info.CallerID, info.CalleeID, info.Kind, info.State)
		if info.Reason != "" {
			fmt.Printf(" (%s)", info.Reason)
		}
		fmt.Println()
	}
}

func cmdPair(ctx context.Context, c *api.Client, user, pngPath string, jsonOut bool) {
	code, err := c.IssuePairingCode(ctx, user)
	if err != nil {
		fatalf("%v", err)
	}
	if pngPath != "" {
		png, err := pairing.PNG(code, 256)
		if err != nil {
			fatalf("render QR: %v", err)
		}
		if err := os.WriteFile(pngPath, png, 0600); err != nil {
			fatalf("%v", err)
		}
	}
	if jsonOut {
		outputJSON(code)
		return
	}
	qr, err := pairing.Terminal(code)
	if err != nil {
		fatalf("render QR: %v", err)
	}
	fmt.Print(qr)
	fmt.Printf("Code:    %s\n", code.Code)
	fmt.Printf("Expires: %s\n", code.ExpiresAt.Local().Format(time.TimeOnly))
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, prefix, func(evt api.WatchedEvent) error {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(evt)
		}
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-28s %s\n", evt.At.Local().Format("15:04:05.000"), evt.Kind, payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func cmdInstances(jsonOut bool) {
	names, err := instance.List()
	if err != nil {
		fatalf("%v", err)
	}
	type row struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"running"`
		Listen  string `json:"listen,omitempty"`
		PID     int    `json:"pid,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		r := row{Name: n, Path: instance.Dir(n)}
		if lock.Held(instance.LockPath(n)) {
			r.Running = true
			if h, err := lock.Read(instance.LockPath(n)); err == nil {
				r.Listen, r.PID = h.Listen, h.PID
			}
		}
		rows = append(rows, r)
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running, pid %d, %s", r.PID, r.Listen)
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, state)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
