package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"seqlive.dev/transit"
	"seqlive.dev/transit/downloader"
	"seqlive.dev/transit/parse"
	"seqlive.dev/transit/storage"
)

var rootCmd = &cobra.Command{
	Use:          "transit",
	Short:        "Live transit state engine",
	Long:         "Ingests a GTFS Realtime feed and answers arrival, vehicle and alert queries against a static schedule.",
	SilenceUsage: true,
}

var (
	staticURL  string
	staticFile string
	feedURL    string
	headers    []string
	dbPath     string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&staticURL, "static-url", "", "", "GTFS static dataset URL")
	rootCmd.PersistentFlags().StringVarP(&staticFile, "static-file", "", "", "GTFS static dataset zip file")
	rootCmd.PersistentFlags().StringVarP(&feedURL, "realtime-url", "", "", "GTFS Realtime feed URL")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "", []string{}, "HTTP header on form <key>:<value>")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "", "", "SQLite path for the schedule (in memory if unset)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(arrivalsCmd)
	rootCmd.AddCommand(vehicleCmd)
	rootCmd.AddCommand(alertsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

func loadSchedule(ctx context.Context) (*transit.Schedule, error) {
	var buf []byte
	var err error

	switch {
	case staticFile != "":
		buf, err = os.ReadFile(staticFile)
		if err != nil {
			return nil, fmt.Errorf("reading static dataset: %w", err)
		}
	case staticURL != "":
		hs, err := parseHeaders(headers)
		if err != nil {
			return nil, err
		}
		buf, err = downloader.HTTPGet(ctx, staticURL, hs, downloader.GetOptions{
			Timeout: 2 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("downloading static dataset: %w", err)
		}
	default:
		return nil, fmt.Errorf("one of --static-file and --static-url is required")
	}

	var s storage.Storage
	if dbPath != "" {
		s, err = storage.NewSQLiteStorage(dbPath)
		if err != nil {
			return nil, err
		}
	} else {
		s = storage.NewMemoryStorage()
	}

	writer, err := s.Writer()
	if err != nil {
		return nil, err
	}
	info, err := parse.ParseStatic(writer, buf)
	if err != nil {
		return nil, fmt.Errorf("parsing static dataset: %w", err)
	}

	reader, err := s.Reader()
	if err != nil {
		return nil, err
	}

	return transit.NewSchedule(reader, info)
}

// buildEngine wires schedule, store, poller and engine, and runs a
// single poll cycle so one-shot commands answer from fresh data.
func buildEngine(ctx context.Context) (*transit.Engine, error) {
	if feedURL == "" {
		return nil, fmt.Errorf("--realtime-url is required")
	}

	log := logger()

	schedule, err := loadSchedule(ctx)
	if err != nil {
		return nil, err
	}

	hs, err := parseHeaders(headers)
	if err != nil {
		return nil, err
	}

	store := transit.NewStore(transit.StoreConfig{}, log)
	correlator := transit.NewCorrelator(schedule, log)
	poller := transit.NewPoller(
		transit.PollerConfig{FeedURL: feedURL, Headers: hs},
		&downloader.HTTPDownloader{},
		store,
		correlator,
		log,
	)

	if err := poller.Poll(ctx); err != nil {
		return nil, err
	}

	return transit.NewEngine(schedule, store), nil
}
