package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medscraper/pkg/config"
	"medscraper/pkg/storage"
)

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect saved scraping sessions",
}

// sessionsListCmd represents the sessions list command
var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE:  runSessionsList,
}

// sessionsShowCmd represents the sessions show command
var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a saved session with its records as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

// sessionsDeleteCmd represents the sessions delete command
var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func openRepository() (*storage.FileRepository, error) {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return storage.NewFileRepository(cfg.Storage.BaseDirectory)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}

	ids, err := repo.ListSessionIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No saved sessions")
		return nil
	}

	for _, id := range ids {
		s, err := repo.LoadSession(id)
		if err != nil {
			fmt.Printf("  %s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("  %s  %-10s %s %q in %q  %d records\n",
			s.ID, s.Status, s.CreatedAt.Format(time.DateTime),
			s.Request.SearchTerm, s.Request.Location, len(s.Records))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}

	s, err := repo.LoadSession(args[0])
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	if err := repo.DeleteSession(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}
