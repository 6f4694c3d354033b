// hh-watch follows the leaderboard stream of a running engine and prints
// every generation it receives.
package main

import (
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Base URL of the engine API.")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error.")
	flag.Parse()

	logger.Setup(*logLevel, "text")
	log := logger.WithComponent("watch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, strings.TrimRight(*addr, "/"), os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("watch failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, base string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/leaderboard/stream", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for lines.Scan() {
		var snap model.Snapshot
		if err := json.Unmarshal(lines.Bytes(), &snap); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		render(out, &snap)
	}
	if err := lines.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func render(out io.Writer, snap *model.Snapshot) {
	fmt.Fprintf(out, "generation %d (%s) at %s\n", snap.Generation, snap.Source, snap.Timestamp.Format("15:04:05.000"))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tITEM\tCOUNT")
	for i, e := range snap.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", i+1, e.Item, e.Count)
	}
	tw.Flush()
	fmt.Fprintln(out)
}
