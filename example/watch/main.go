// Command watch runs a query against a Lattice deployment and prints
// progress events as the server works through it. It demonstrates the
// queued-operation flow: the initiating request, SSE monitoring with
// reconnection, and the terminal result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	lattice "github.com/latticedb/lattice-go"
	"github.com/latticedb/lattice-go/monitor"
)

func main() {
	var (
		urlF       = flag.String("url", "http://localhost:8080/v1", "Lattice API base URL")
		graphF     = flag.String("graph", "demo", "Graph id")
		statementF = flag.String("statement", "MATCH (n) RETURN count(n)", "Query statement")
		tokenF     = flag.String("token", os.Getenv("LATTICE_TOKEN"), "Bearer token")
		maxWaitF   = flag.Duration("max-wait", 5*time.Minute, "Give up waiting after this long")
		dbgF       = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	client, err := lattice.New(*urlF,
		lattice.WithBearerToken(*tokenF),
		lattice.WithWatchTimeout(*maxWaitF),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer client.Close()

	res, err := client.Query(ctx, lattice.QueryRequest{
		Graph:     *graphF,
		Statement: *statementF,
	}, lattice.WaitOptions{
		OnProgress: func(p monitor.Progress) {
			if p.ProgressPercent != nil {
				log.Print(ctx, log.KV{K: "progress", V: fmt.Sprintf("%.0f%%", *p.ProgressPercent)},
					log.KV{K: "msg", V: p.Message})
				return
			}
			log.Print(ctx, log.KV{K: "msg", V: p.Message})
		},
		OnQueueUpdate: func(pos int, wait float64) {
			log.Print(ctx, log.KV{K: "queue_position", V: pos},
				log.KV{K: "estimated_wait_s", V: wait})
		},
	})
	if err != nil {
		var terr *monitor.TimeoutError
		if errors.As(err, &terr) {
			log.Fatal(ctx, err, log.KV{K: "hint", V: "operation may still be running server-side"})
		}
		log.Fatal(ctx, err)
	}

	log.Print(ctx, log.KV{K: "rows", V: res.RowCount}, log.KV{K: "elapsed_ms", V: res.ElapsedMS})
	for _, row := range res.Rows {
		fmt.Println(row)
	}
}
