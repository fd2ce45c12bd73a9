// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command gridtrace renders a diag.Trace (as written by diag.Recorder
// or dumped by diag.Handler) into a per-core event-rate chart, the
// way cmd/slicetrace turns bigslice's task trace into quartile
// summaries — except gridtrace's output is a plotted image rather
// than a text table, using gonum.org/v1/plot.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"sort"

	"github.com/grailbio/pgasrt/diag"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	tracePath := flag.String("trace", "", "path to a diag.Trace JSON file")
	out := flag.String("out", "trace.svg", "output image path; extension selects the renderer (.svg, .png, .pdf)")
	buckets := flag.Int("buckets", 100, "number of time buckets to aggregate events into")
	flag.Parse()
	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "gridtrace: -trace is required")
		os.Exit(2)
	}

	tr, err := readTrace(*tracePath)
	if err != nil {
		log.Fatalf("gridtrace: %v", err)
	}
	if len(tr.Events) == 0 {
		log.Fatalf("gridtrace: %s has no events", *tracePath)
	}

	p, err := render(tr, *buckets)
	if err != nil {
		log.Fatalf("gridtrace: %v", err)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, *out); err != nil {
		log.Fatalf("gridtrace: save %s: %v", *out, err)
	}
	fmt.Printf("wrote %s\n", *out)
}

func readTrace(path string) (diag.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return diag.Trace{}, err
	}
	defer f.Close()
	var tr diag.Trace
	if err := tr.Decode(f); err != nil {
		return diag.Trace{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return tr, nil
}

// render builds a line-per-core chart of event counts over numBuckets
// equal-width windows spanning the trace's timestamp range.
func render(tr diag.Trace, numBuckets int) (*plot.Plot, error) {
	if numBuckets < 1 {
		numBuckets = 1
	}
	minTs, maxTs := tr.Events[0].Ts, tr.Events[0].Ts
	for _, e := range tr.Events {
		if e.Ts < minTs {
			minTs = e.Ts
		}
		if e.Ts > maxTs {
			maxTs = e.Ts
		}
	}
	span := maxTs - minTs
	if span <= 0 {
		span = 1
	}
	bucketWidth := span/int64(numBuckets) + 1

	pids := pidsOf(tr)
	counts := make(map[int][]float64, len(pids))
	for _, pid := range pids {
		counts[pid] = make([]float64, numBuckets)
	}
	for _, e := range tr.Events {
		b := int((e.Ts - minTs) / bucketWidth)
		if b >= numBuckets {
			b = numBuckets - 1
		}
		counts[e.Pid][b]++
	}

	p, err := plot.New()
	if err != nil {
		return nil, fmt.Errorf("plot.New: %w", err)
	}
	p.Title.Text = "pgasrt core activity"
	p.X.Label.Text = "time bucket"
	p.Y.Label.Text = "events"

	for i, pid := range pids {
		xys := make(plotter.XYs, numBuckets)
		for b := 0; b < numBuckets; b++ {
			xys[b].X = float64(b)
			xys[b].Y = counts[pid][b]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("core %d: %w", pid, err)
		}
		line.Color = palette(i)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("core %d", pid), line)
	}
	return p, nil
}

func pidsOf(tr diag.Trace) []int {
	seen := make(map[int]bool)
	var out []int
	for _, e := range tr.Events {
		if !seen[e.Pid] {
			seen[e.Pid] = true
			out = append(out, e.Pid)
		}
	}
	sort.Ints(out)
	return out
}

// palette cycles a small fixed set of colors, enough to tell apart the
// handful of cores a local gridrun job typically has.
func palette(i int) color.Color {
	colors := []color.RGBA{
		{R: 0xd6, G: 0x28, B: 0x28, A: 0xff},
		{R: 0x28, G: 0x6c, B: 0xd6, A: 0xff},
		{R: 0x28, G: 0xa7, B: 0x45, A: 0xff},
		{R: 0xd6, G: 0x9a, B: 0x28, A: 0xff},
		{R: 0x8e, G: 0x28, B: 0xd6, A: 0xff},
		{R: 0x28, G: 0xc7, B: 0xc7, A: 0xff},
	}
	return colors[i%len(colors)]
}

var _ = json.Marshal // keep encoding/json linked for callers that post-process trace JSON ad hoc
