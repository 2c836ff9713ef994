package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medscraper/pkg/config"
	"medscraper/pkg/proxy"
)

// proxiesCmd represents the proxies command
var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspect configured proxy routes",
}

// proxiesCheckCmd represents the proxies check command
var proxiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured proxy route and report reachability",
	Long: `Probe every configured proxy route with a single request through a
public IP echo endpoint and report latency or failure per route.`,
	RunE: runProxiesCheck,
}

func init() {
	rootCmd.AddCommand(proxiesCmd)
	proxiesCmd.AddCommand(proxiesCheckCmd)
}

func runProxiesCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if len(cfg.Proxy.Routes) == 0 {
		fmt.Println("No proxy routes configured; traffic goes out directly")
		return nil
	}

	failures := 0
	for _, address := range cfg.Proxy.Routes {
		latency, err := proxy.CheckRoute(address, cfg.Proxy.ProbeTimeout)
		if err != nil {
			failures++
			fmt.Printf("  FAIL  %-40s %v\n", address, err)
			continue
		}
		fmt.Printf("  OK    %-40s %s\n", address, latency.Round(time.Millisecond))
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d routes unreachable", failures, len(cfg.Proxy.Routes))
	}
	return nil
}
