package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"imetrackd/internal/ipc"
	"imetrackd/internal/scenario"
)

type cli struct {
	client *ipc.IPCClient
	out    io.Writer
	json   bool
}

type command func(ctx context.Context, c *cli, args []string) error

// usageError carries the usage line of a command called with bad arguments.
type usageError string

func (u usageError) Error() string { return string(u) }

var commands map[string]command

func init() {
	commands = map[string]command{
		"status":  cmdStatus,
		"ping":    cmdPing,
		"dump":    cmdDump,
		"stats":   cmdStats,
		"history": cmdHistory,
		"menu":    cmdMenu,
		"next":    cmdNext,
		"replay":  cmdReplay,
		"events":  cmdEvents,
		"reload":  cmdReload,
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) section(title string) {
	fmt.Fprintf(c.out, "\n%s\n", title)
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func cmdStatus(ctx context.Context, c *cli, _ []string) error {
	status, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(status)
	}

	c.section("DAEMON")
	tw := c.table()
	fmt.Fprintf(tw, "  Version\t%s\n", status.Version)
	fmt.Fprintf(tw, "  Uptime\t%s\n", status.Uptime.Round(time.Second))
	fmt.Fprintf(tw, "  Started\t%s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "  Socket\t%s\n", status.SocketPath)
	if status.ConfigPath != "" {
		fmt.Fprintf(tw, "  Config\t%s\n", status.ConfigPath)
	}
	fmt.Fprintf(tw, "  Log level\t%s\n", status.LogLevel)
	if status.MetricsAddr != "" {
		fmt.Fprintf(tw, "  Metrics\t%s\n", status.MetricsAddr)
	}
	fmt.Fprintf(tw, "  Clients\t%d\n", status.Clients)
	tw.Flush()

	m := status.Manager
	c.section("IME")
	tw = c.table()
	fmt.Fprintf(tw, "  Focused window\t%d\n", m.FocusedWindow)
	fmt.Fprintf(tw, "  Input shown\t%t\n", m.InputShown)
	fmt.Fprintf(tw, "  Tracked windows\t%d\n", m.Windows)
	fmt.Fprintf(tw, "  A11y no keyboard\t%t\n", m.A11yNoSoftKeyboard)
	fmt.Fprintf(tw, "  Hidden by display\t%t\n", m.ImeHiddenByDisplay)
	fmt.Fprintf(tw, "  Switch mode\t%s\n", m.SwitchMode)
	fmt.Fprintf(tw, "  Subtype items\t%d\n", m.EnabledSubtypeItems)
	fmt.Fprintf(tw, "  Active requests\t%d\n", m.ActiveRequests)
	fmt.Fprintf(tw, "  Completed requests\t%d\n", m.CompletedRequests)
	tw.Flush()

	c.section("STORAGE")
	tw = c.table()
	if !status.Storage.Enabled {
		fmt.Fprintf(tw, "  Status\tdisabled\n")
	} else {
		fmt.Fprintf(tw, "  Path\t%s\n", status.Storage.Path)
		fmt.Fprintf(tw, "  Written\t%d\n", status.Storage.Written)
		fmt.Fprintf(tw, "  Dropped\t%d\n", status.Storage.Dropped)
	}
	tw.Flush()
	fmt.Fprintln(c.out)
	return nil
}

func cmdPing(ctx context.Context, c *cli, _ []string) error {
	start := time.Now()
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("daemon not responding: %w", err)
	}
	fmt.Fprintf(c.out, "imetrackd %s running (latency: %s)\n",
		c.client.ServerVersion(), time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdDump(ctx context.Context, c *cli, _ []string) error {
	text, err := c.client.Dump(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(ipc.DumpResponse{Text: text})
	}
	fmt.Fprint(c.out, text)
	return nil
}

func printCounts(tw *tabwriter.Writer, counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%d\n", k, counts[k])
	}
}

func cmdStats(ctx context.Context, c *cli, _ []string) error {
	stats, err := c.client.Stats(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(stats)
	}

	fmt.Fprintf(c.out, "Source: %s\n", stats.Source)
	c.section("BY STATUS")
	tw := c.table()
	printCounts(tw, stats.Statuses)
	tw.Flush()
	c.section("BY REASON")
	tw = c.table()
	printCounts(tw, stats.Reasons)
	tw.Flush()
	fmt.Fprintln(c.out)
	return nil
}

func cmdHistory(ctx context.Context, c *cli, args []string) error {
	limit := 0
	if len(args) > 1 {
		return usageError("history [limit]")
	}
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usageError("history [limit]")
		}
		limit = n
	}

	hist, err := c.client.History(ctx, limit)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(hist)
	}

	if len(hist.Requests) == 0 {
		fmt.Fprintln(c.out, "No completed requests.")
		return nil
	}
	tw := c.table()
	fmt.Fprintln(tw, "TAG\tTYPE\tSTATUS\tREASON\tPHASE\tUID\tDURATION\tWINDOW")
	for _, r := range hist.Requests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
			r.Tag, r.Type, r.Status, r.Reason, r.Phase, r.UID, r.DurationMs, r.WindowName)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "\n%d requests (from %s)\n", len(hist.Requests), hist.Source)
	return nil
}

// splitFlags moves flag arguments ahead of positional ones so a FlagSet
// can be used with "cmd <args> -flag" ordering.
func splitFlags(args []string) []string {
	var flags, positional []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") && a != "-" && !isNumber(a) {
			flags = append(flags, a)
		} else {
			positional = append(positional, a)
		}
	}
	return append(flags, positional...)
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func cmdMenu(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("menu", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	aux := fs.Bool("aux", false, "include auxiliary subtypes")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usageError("menu [-aux]")
	}

	items, err := c.client.SwitcherMenu(ctx, *aux)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(c.out, "No input methods enabled.")
		return nil
	}
	tw := c.table()
	fmt.Fprintln(tw, "IME\tNAME\tSUBTYPE\tINDEX\tLAYOUT")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.IMEID, it.IMEName, it.SubtypeName, it.SubtypeIndex, it.LayoutName)
	}
	return tw.Flush()
}

func cmdNext(ctx context.Context, c *cli, args []string) error {
	const use = "next <ime> <subtype> [-back] [-only-current] [-hardware]"
	fs := flag.NewFlagSet("next", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	back := fs.Bool("back", false, "rotate backwards")
	onlyCurrent := fs.Bool("only-current", false, "stay within the current IME")
	hardware := fs.Bool("hardware", false, "use the hardware keyboard rotation")
	if err := fs.Parse(splitFlags(args)); err != nil || fs.NArg() != 2 {
		return usageError(use)
	}
	index, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return usageError(use)
	}

	item, err := c.client.Switch(ctx, ipc.SwitchRequest{
		ImeID:          fs.Arg(0),
		SubtypeIndex:   index,
		OnlyCurrentIME: *onlyCurrent,
		Forward:        !*back,
		Hardware:       *hardware,
	})
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(ipc.SwitchResponse{Found: item != nil, Item: item})
	}
	if item == nil {
		fmt.Fprintln(c.out, "No next input method.")
		return nil
	}
	fmt.Fprintf(c.out, "%s (%s) subtype %d %s\n", item.IMEID, item.IMEName, item.SubtypeIndex, item.SubtypeName)
	return nil
}

func cmdReplay(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return usageError("replay <file>")
	}
	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}
	if sc.Name != "" {
		fmt.Fprintf(c.out, "Scenario: %s\n", sc.Name)
	}

	var results []scenario.Result
	err = scenario.NewRunner(c.client, nil).Run(ctx, sc, func(r scenario.Result) {
		if c.json {
			results = append(results, r)
			return
		}
		fmt.Fprintln(c.out, r.String())
	})
	if c.json {
		if jerr := c.printJSON(results); jerr != nil {
			return jerr
		}
	}
	if err != nil {
		return err
	}
	if !c.json {
		fmt.Fprintf(c.out, "%d steps replayed\n", len(sc.Steps))
	}
	return nil
}

func eventTypeName(et ipc.EventType) string {
	switch et {
	case ipc.EventVerdict:
		return "Verdict"
	case ipc.EventRequestCompleted:
		return "RequestCompleted"
	case ipc.EventSubtypeSwitched:
		return "SubtypeSwitched"
	case ipc.EventConfigReloaded:
		return "ConfigReloaded"
	case ipc.EventDaemonShutdown:
		return "DaemonShutdown"
	default:
		return fmt.Sprintf("Unknown(%d)", et)
	}
}

func cmdEvents(ctx context.Context, c *cli, _ []string) error {
	if err := c.client.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if !c.json {
		fmt.Fprintln(c.out, "Waiting for events... Press Ctrl+C to stop")
	}
	alive := time.NewTicker(time.Second)
	defer alive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-alive.C:
			if !c.client.IsConnected() {
				return ipc.ErrConnectionLost
			}
		case ev, ok := <-c.client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if c.json {
				if err := c.printJSON(ev); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(c.out, "[%s] %s %s\n", ev.Timestamp.Format("15:04:05.000"), eventTypeName(ev.Type), ev.Data)
			}
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

func cmdReload(ctx context.Context, c *cli, _ []string) error {
	resp, err := c.client.ReloadConfig(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(resp)
	}
	if !resp.Success {
		return fmt.Errorf("reload %s: %s", resp.Path, resp.Error)
	}
	fmt.Fprintf(c.out, "Reloaded %s\n", resp.Path)
	return nil
}
