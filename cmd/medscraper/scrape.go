package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"medscraper/pkg/config"
	"medscraper/pkg/extract"
	"medscraper/pkg/fetch"
	"medscraper/pkg/logger"
	"medscraper/pkg/notify"
	"medscraper/pkg/orchestrator"
	"medscraper/pkg/proxy"
	"medscraper/pkg/ratelimit"
	"medscraper/pkg/session"
	"medscraper/pkg/storage"
)

var (
	// Scrape command flags
	scrapeSites   []string
	maxPages      int
	concurrent    int
	proxyRoutes   []string
	outputDir     string
	notifyAddress string
)

// scrapeCmd represents the scrape command
var scrapeCmd = &cobra.Command{
	Use:   "scrape <search-term> <location>",
	Short: "Run a scraping session for a search term and location",
	Long: `Run a scraping session: expand the request into one task per site and
page, fetch the result pages through the proxy pool under the rate limit,
extract provider candidates and merge them into a deduplicated record set.

The session and its records are saved as JSON under the storage directory.
Progress is printed while the session runs; Ctrl-C cancels the session and
keeps the records collected so far.`,
	Example: `  # Scrape the default sites for dentists in Berlin, 5 pages each
  medscraper scrape zahnarzt berlin --max-pages 5

  # Restrict sites and route traffic through proxies
  medscraper scrape arzt hamburg --sites jameda.de,doctolib.de \
    --proxy-routes http://10.0.0.1:3128,http://10.0.0.2:3128

  # Email a summary when the session finishes
  medscraper scrape arzt berlin --notify ops@example.com`,
	Args: cobra.ExactArgs(2),
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)

	scrapeCmd.Flags().StringSliceVar(&scrapeSites, "sites", nil, "target sites (default: configured sites)")
	scrapeCmd.Flags().IntVar(&maxPages, "max-pages", 0, "result pages per site (default: configured value)")
	scrapeCmd.Flags().IntVar(&concurrent, "concurrent", 0, "maximum simultaneous page fetches")
	scrapeCmd.Flags().StringSliceVar(&proxyRoutes, "proxy-routes", nil, "proxy route URLs")
	scrapeCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory for session files")
	scrapeCmd.Flags().StringVar(&notifyAddress, "notify", "", "email address for the completion notice")
}

func runScrape(cmd *cobra.Command, args []string) error {
	searchTerm := strings.TrimSpace(args[0])
	location := strings.TrimSpace(args[1])

	flags := make(map[string]interface{})
	if len(scrapeSites) > 0 {
		flags["sites"] = scrapeSites
	}
	if maxPages > 0 {
		flags["max-pages"] = maxPages
	}
	if concurrent > 0 {
		flags["concurrent"] = concurrent
	}
	if len(proxyRoutes) > 0 {
		flags["proxy-routes"] = proxyRoutes
	}
	if outputDir != "" {
		flags["output"] = outputDir
	}
	if logLevel != "info" {
		flags["log-level"] = logLevel
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Initialize(&cfg.Logging)
	log := logger.GetLogger()
	log.WithField("version", version).Info("medscraper starting")

	repo, err := storage.NewFileRepository(cfg.Storage.BaseDirectory)
	if err != nil {
		return fmt.Errorf("failed to open session storage: %w", err)
	}

	pool := proxy.NewPool(&cfg.Proxy, log)
	if pool.Size() > 0 {
		pool.StartProbing()
		defer pool.Stop()
	}

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	executor := fetch.NewExecutor(pool, &cfg.Fetch, log)
	registry := extract.NewRegistry()

	var notifier notify.Notifier
	if cfg.SMTP.Host != "" {
		notifier = notify.NewSMTPNotifier(&cfg.SMTP)
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	orch := orchestrator.New(cfg, limiter, pool, executor, registry, repo, notifier, log)

	id, err := orch.StartSession(session.ScrapeRequest{
		Sites:         cfg.Scraper.Sites,
		SearchTerm:    searchTerm,
		Location:      location,
		MaxPages:      cfg.Scraper.MaxPages,
		NotifyAddress: notifyAddress,
	})
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	fmt.Printf("Session %s started: %q in %q across %s\n",
		id, searchTerm, location, strings.Join(cfg.Scraper.Sites, ", "))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nCancelling session...")
		orch.CancelSession(id)
	}()

	view := watchSession(orch, id)
	printSummary(view)

	if view.Status == session.StatusFailed {
		os.Exit(1)
	}
	return nil
}

// watchSession polls the session until it reaches a terminal state,
// printing progress as the counters move.
func watchSession(orch *orchestrator.Orchestrator, id string) *session.View {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastDone := -1
	for range ticker.C {
		view, err := orch.GetSession(id)
		if err != nil {
			continue
		}
		if done := view.CompletedTasks + view.FailedTasks; done != lastDone {
			lastDone = done
			fmt.Printf("  %d/%d tasks done, %d failed, %d records\n",
				done, view.TotalTasks, view.FailedTasks, view.RecordCount)
		}
		if view.Status.IsTerminal() {
			return view
		}
	}
	return nil
}

func printSummary(view *session.View) {
	fmt.Printf("\nSession %s %s\n", view.ID, strings.ToUpper(string(view.Status)))
	fmt.Printf("  Tasks:   %d completed, %d failed of %d\n",
		view.CompletedTasks, view.FailedTasks, view.TotalTasks)
	fmt.Printf("  Records: %d\n", view.RecordCount)
	if view.StartedAt != nil && view.FinishedAt != nil {
		fmt.Printf("  Took:    %s\n", view.FinishedAt.Sub(*view.StartedAt).Round(time.Second))
	}
	if view.LastError != "" {
		fmt.Printf("  Last error: %s\n", view.LastError)
	}
}
