package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"dlm/pkg/config"
	"dlm/pkg/connmon"
	"dlm/pkg/disk"
	"dlm/pkg/events"
	"dlm/pkg/manager"
	"dlm/pkg/queue"
	"dlm/pkg/store"
	"dlm/pkg/task"
	"dlm/pkg/transport"
	"dlm/pkg/tui"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("dlm", flag.ExitOnError)
	var (
		dir      = fs.String("dir", "", "download directory (default: platform download dir)")
		prio     = fs.String("priority", "normal", "priority: low, normal, high, critical")
		workers  = fs.Int("concurrency", 0, "max concurrent downloads (default from config)")
		plain    = fs.Bool("plain", false, "log progress instead of the TUI")
		verbose  = fs.Bool("verbose", false, "debug logging")
		probeURL = fs.String("probe", connmon.DefaultProbeURL, "connectivity probe URL")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: dlm [flags] <url>...\n       dlm info\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}
	if *dir != "" {
		cfg.DownloadDir = *dir
	}
	if *workers > 0 {
		cfg.MaxConcurrentDownloads = *workers
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	if fs.Arg(0) == "info" {
		return printInfo(cfg)
	}
	urls := fs.Args()
	if len(urls) == 0 {
		fs.Usage()
		return fmt.Errorf("no URLs given")
	}

	st, err := store.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}

	hub := events.NewHub()
	q := queue.New(cfg.MaxQueueSize)
	tev := make(chan transport.Event, 128)
	tr := transport.NewHTTP(cfg, tev)
	mon := connmon.NewProbe(*probeURL, 15*time.Second)
	defer mon.Close()

	mgr := manager.New(cfg, st, q, hub, tr, mon, tev)
	mgr.Run()
	defer mgr.Close()

	reqs := make([]manager.Request, len(urls))
	for i, u := range urls {
		reqs[i] = manager.Request{URL: u, Priority: task.ParsePriority(*prio)}
	}
	for i, res := range mgr.DownloadMultiple(reqs) {
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", urls[i], res.Err)
		}
	}
	if len(mgr.Tasks()) == 0 {
		return fmt.Errorf("nothing to download")
	}

	if *plain {
		return waitPlain(mgr, hub)
	}
	_, err = tea.NewProgram(tui.New(mgr, hub, true)).Run()
	return err
}

// waitPlain logs events until every task reaches a terminal state.
func waitPlain(mgr *manager.Manager, hub *events.Hub) error {
	ch, cancel := hub.Subscribe(256)
	defer cancel()
	// a task may have finished before the subscription existed; from here
	// on every transition arrives as an event
	if allTerminal(mgr) {
		return nil
	}
	for ev := range ch {
		switch ev.Kind {
		case events.KindStateChange:
			slog.Info("State change", "id", ev.TaskID, "state", ev.State)
		case events.KindError:
			slog.Warn("Task error", "id", ev.TaskID, "error", ev.Message)
		default:
			continue
		}
		if allTerminal(mgr) {
			return nil
		}
	}
	return nil
}

func allTerminal(mgr *manager.Manager) bool {
	for _, t := range mgr.Tasks() {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

func printInfo(cfg *config.Config) error {
	dm := disk.NewManager(cfg)
	usages, total := dm.Info()
	for _, u := range usages {
		fmt.Printf("%-10s %10s  %5d items  %s\n", u.Label, humanize.Bytes(uint64(u.Size)), u.Items, u.Path)
	}
	if free, err := disk.FreeSpace(cfg.DownloadDir); err == nil {
		fmt.Printf("%-10s %10s\n", "Free", humanize.Bytes(uint64(free)))
	}
	fmt.Printf("Total: %s\n", humanize.Bytes(uint64(total)))
	return nil
}
