package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ebulut/goxhr/internal/history"
)

func historyCmd() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limitFlag := fs.Int("limit", 50, "Maximum number of entries to show")
	offsetFlag := fs.Int("offset", 0, "Number of entries to skip")
	searchFlag := fs.String("search", "", "Filter entries by URL substring")
	clearFlag := fs.Bool("clear", false, "Delete all history entries")
	configFlag := fs.String("config", "", "Path to a config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: goxhr history [flags]\n\n")
		fmt.Fprintf(os.Stderr, "List, search or clear recorded request history.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	path, err := cfg.HistoryDBPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	store, err := history.NewStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()

	if *clearFlag {
		if err := store.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("History cleared.")
		return
	}

	var entries []history.Entry
	if *searchFlag != "" {
		entries, err = store.Search(*searchFlag)
	} else {
		entries, err = store.List(*limitFlag, *offsetFlag)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if len(entries) == 0 {
		fmt.Println("No history entries.")
		return
	}
	for _, e := range entries {
		status := fmt.Sprintf("%d", e.Status)
		if e.Error != "" {
			status = "ERR"
		}
		fmt.Printf("%s  %-7s %-4s %8s  %6s  %s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Method,
			status,
			humanize.Bytes(uint64(e.Size)),
			e.Duration.Round(time.Millisecond),
			e.URL,
		)
		if e.Error != "" {
			fmt.Printf("    error: %s\n", e.Error)
		}
	}
}
