package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/store"
)

func runExport(args []string) error {
	var outputPath, sinceArg string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		case "-since":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -since")
			}
			i++
			sinceArg = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: concord export -f <output.jsonl.zst> [-since <RFC3339 time | duration>]\n")
		return fmt.Errorf("missing -f flag")
	}
	since, err := parseSince(sinceArg, time.Now())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	n, err := exportJournal(db, f, since)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Export complete: %d records, %s\n", n, formatSize(size))
	return nil
}

// exportJournal writes every journal record since the cutoff to w as
// zstd-compressed JSON lines and returns the record count.
func exportJournal(db *store.Store, w io.Writer, since time.Time) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	n := 0
	err = db.Export(since, func(r store.Record) error {
		n++
		return enc.Encode(r)
	})
	if err != nil {
		return n, fmt.Errorf("export journal: %w", err)
	}
	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("close zstd: %w", err)
	}
	return n, nil
}

// parseSince accepts an RFC 3339 timestamp or a duration counted back from
// now. Empty means everything.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid -since %q: want RFC3339 time or duration", v)
	}
	return now.Add(-d), nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
