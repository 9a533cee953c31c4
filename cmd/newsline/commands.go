package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func triggerCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run one crawl cycle in this process and record it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), mgr)
			if err != nil {
				return err
			}
			defer a.Close()
			result, err := a.sched.RunOnce(cmd.Context(), source)
			if printErr := printJSON(result); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "crawl only this source id")
	return cmd
}

func jobsCmd() *cobra.Command {
	var (
		limit int
		stats bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent cycle executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), mgr.Get(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			if stats {
				st, err := store.ExecutionStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(st)
			}
			recs, err := store.RecentExecutions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(recs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of executions to show")
	cmd.Flags().BoolVar(&stats, "stats", false, "show aggregate counts instead")
	return cmd
}

func migrateCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the timeline schema to the latest version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), mgr.Get(), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			if wipe {
				n, err := store.ClearAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d timeline records\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear-timeline", false, "delete every timeline record after migrating; a running server keeps its cache, use cache --all instead")
	return cmd
}

// cacheCmd talks to a running server since the recency cache only lives in
// that process.
func cacheCmd() *cobra.Command {
	var (
		addr       string
		clearCache bool
		clearAll   bool
	)
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Show or clear the recency cache of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				mgr, err := loadConfig()
				if err != nil {
					return err
				}
				addr = mgr.Get().API.Addr
			}
			client := resty.New().
				SetBaseURL(baseURL(addr)).
				SetTimeout(10 * time.Second)
			req := client.R().SetContext(cmd.Context())
			var (
				resp *resty.Response
				err  error
			)
			switch {
			case clearAll:
				resp, err = req.Post("/api/admin/clear")
			case clearCache:
				resp, err = req.Post("/api/crawl/cache/clear")
			default:
				resp, err = req.Get("/api/crawl/cache")
			}
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("server returned %s", resp.Status())
			}
			_, err = cmd.OutOrStdout().Write(resp.Body())
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default is api.addr from config)")
	cmd.Flags().BoolVar(&clearCache, "clear", false, "clear the cache")
	cmd.Flags().BoolVar(&clearAll, "all", false, "delete every timeline record, then clear the cache")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
