package main

import (
	"fmt"
	"io"

	"github.com/chronosphereio/taskcache"
)

func printStats(w io.Writer, stats taskcache.Stats) {
	c := stats.Counters
	fmt.Fprintf(w, "cache: hits=%d misses=%d hit_rate=%.2f uploaded=%d skipped=%d failed=%d hash_mismatches=%d\n",
		c.Hits, c.Misses, c.HitRate(), c.UploadedFields, c.SkippedFields, c.FailedFields, c.HashMismatches)
	for _, s := range stats.Latencies {
		fmt.Fprintln(w, s.String())
	}
}
