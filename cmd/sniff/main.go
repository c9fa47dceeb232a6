// Command sniff samples data files, local or remote, and prints the schema
// the pipeline would detect for them as JSON. It is meant to check a file
// before it is uploaded.
//
// Examples:
//
//	sniff ./stations.csv
//	sniff -bytes=65536 https://example.com/trees.geojson
//	sniff -list refs.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"datafair/internal/datasource/file"
	"datafair/internal/datasource/httpds"
)

func main() {
	var (
		flagList = flag.String(
			"list",
			"",
			"file of references (paths or URLs), one per line; - reads stdin",
		)
		flagBytes = flag.Int(
			"bytes",
			0,
			"read at most this many bytes of each file, 0 reads it all",
		)
		flagSample = flag.Int(
			"sample",
			4000,
			"values sampled per column",
		)
		flagDates = flag.String(
			"date-formats",
			"",
			"comma separated Go layouts tried for dates (default: builtin list)",
		)
		flagTimeout = flag.Duration(
			"timeout",
			60*time.Second,
			"timeout per reference",
		)
		flagRetries = flag.Int(
			"retries",
			3,
			"retries of a failed download (429, 5xx, transport errors)",
		)
		flagInsecure = flag.Bool(
			"allow-insecure",
			false,
			"skip TLS certificate verification for URLs",
		)
		flagPretty = flag.Bool(
			"pretty",
			true,
			"pretty-print JSON output",
		)
	)
	flag.Parse()

	refs := flag.Args()
	if *flagList != "" {
		listed, err := file.ReadRefs(*flagList)
		if err != nil {
			fatalf("read list: %v", err)
		}
		refs = append(refs, listed...)
	}
	if len(refs) == 0 {
		fmt.Fprintln(os.Stderr, "missing file path or URL")
		flag.Usage()
		os.Exit(2)
	}

	p := &profiler{
		remote:      httpds.NewClient(httpds.Config{MaxRetries: *flagRetries, InsecureSkipVerify: *flagInsecure}),
		maxBytes:    *flagBytes,
		sampleSize:  *flagSample,
		dateFormats: splitComma(*flagDates),
	}

	enc := json.NewEncoder(os.Stdout)
	if *flagPretty {
		enc.SetIndent("", "  ")
	}
	failed := 0
	for _, ref := range refs {
		ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
		rep, err := p.profile(ctx, ref)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", ref, err)
			failed++
			continue
		}
		if err := enc.Encode(rep); err != nil {
			fatalf("encode report: %v", err)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
