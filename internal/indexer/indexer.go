// Package indexer streams dataset rows into the search engine in bounded
// bulk requests.
//
// A batch is flushed whenever it reaches MaxRows operations or MaxBytes of
// serialized NDJSON, and once more when the stream ends. Items rejected by
// the engine never fail the batch: they are counted and summarized, and the
// summary is what the dataset owner gets to see.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/logger"
	"datafair/internal/metrics"
	"datafair/internal/search"
)

type Mode int

const (
	// Replace writes full documents, normally into a fresh physical index.
	Replace Mode = iota
	// Update sends partial updates of existing documents.
	Update
)

func (m Mode) String() string {
	if m == Update {
		return "update"
	}
	return "replace"
}

// Row is one document to write.
type Row struct {
	ID  string
	Doc map[string]any
	// Delete removes the document instead of writing it.
	Delete bool
	// Full writes the whole document even in Update mode, for documents
	// the index has never seen.
	Full bool
	// Line is the source line for error messages (0 when unknown).
	Line int
}

type Options struct {
	MaxRows  int
	MaxBytes int
	Mode     Mode
	// RetryOnConflict is passed with update operations.
	RetryOnConflict int
	// MaxErrorSamples is how many item errors are kept verbatim.
	MaxErrorSamples int
	// Kind labels metrics (file, rest, ...).
	Kind string
	Log  *logger.Logger
}

const (
	defaultMaxRows  = 2000
	defaultMaxBytes = 200_000
	defaultSamples  = 3
)

func (o Options) withDefaults() Options {
	if o.MaxRows <= 0 {
		o.MaxRows = defaultMaxRows
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = defaultMaxBytes
	}
	if o.MaxErrorSamples <= 0 {
		o.MaxErrorSamples = defaultSamples
	}
	if o.RetryOnConflict <= 0 && o.Mode == Update {
		o.RetryOnConflict = 3
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	return o
}

// Result is the outcome of a stream.
type Result struct {
	Indexed int
	Failed  int
	Skipped int
	Batches int
	// Errors is nil when every item succeeded.
	Errors *ErrorSummary
}

// Indexer accumulates rows and sends them in bulk requests. It is not safe
// for concurrent use.
type Indexer struct {
	engine search.Engine
	index  string
	opts   Options

	ops   []search.BulkOp
	lines []int
	size  int

	res     Result
	summary *ErrorSummary
	start   time.Time
	closed  bool
}

// New returns an Indexer writing to index (an alias or physical name).
func New(engine search.Engine, index string, opts Options) *Indexer {
	opts = opts.withDefaults()
	return &Indexer{
		engine:  engine,
		index:   index,
		opts:    opts,
		ops:     make([]search.BulkOp, 0, opts.MaxRows),
		summary: newErrorSummary(opts.MaxErrorSamples),
		start:   time.Now(),
	}
}

// Add queues one row, flushing when a threshold is reached.
func (ix *Indexer) Add(ctx context.Context, row Row) error {
	if ix.closed {
		return apperr.Invariantf("indexer: Add after Close")
	}
	op, ok := ix.toOp(row)
	if !ok {
		ix.res.Skipped++
		return nil
	}
	b, err := search.EncodeOp(op)
	if err != nil {
		// the row cannot be serialized; report it like an engine rejection
		ix.fail(row.Line, row.ID, err.Error())
		return nil
	}
	ix.ops = append(ix.ops, op)
	ix.lines = append(ix.lines, row.Line)
	ix.size += len(b)
	if len(ix.ops) >= ix.opts.MaxRows || ix.size >= ix.opts.MaxBytes {
		return ix.flush(ctx)
	}
	return nil
}

func (ix *Indexer) toOp(row Row) (search.BulkOp, bool) {
	if row.Delete {
		return search.BulkOp{Action: search.ActionDelete, ID: row.ID}, true
	}
	if ix.opts.Mode == Update && !row.Full {
		if onlyOrdinal(row.Doc) {
			return search.BulkOp{}, false
		}
		return search.BulkOp{Action: search.ActionUpdate, ID: row.ID, Doc: row.Doc, RetryOnConflict: ix.opts.RetryOnConflict}, true
	}
	return search.BulkOp{Action: search.ActionIndex, ID: row.ID, Doc: row.Doc}, true
}

// onlyOrdinal reports whether a partial document carries nothing but _i.
func onlyOrdinal(doc map[string]any) bool {
	if len(doc) == 0 {
		return true
	}
	for k := range doc {
		if k != dataset.KeyOrdinal {
			return false
		}
	}
	return true
}

func (ix *Indexer) fail(line int, id, reason string) {
	ix.res.Failed++
	ix.summary.add(line, id, reason)
}

func (ix *Indexer) flush(ctx context.Context) error {
	if len(ix.ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	began := time.Now()
	resp, err := ix.engine.Bulk(ctx, ix.index, ix.ops)
	if err != nil {
		if apperr.IsShutdown(err) {
			return err
		}
		return apperr.NewTransient(fmt.Errorf("bulk request to %s: %w", ix.index, err))
	}
	if len(resp.Items) != len(ix.ops) {
		return apperr.NewTransient(fmt.Errorf("bulk request to %s: %d items answered for %d operations", ix.index, len(resp.Items), len(ix.ops)))
	}

	var indexed, failed int
	for i, it := range resp.Items {
		if it.Error != nil {
			ix.fail(ix.lines[i], ix.ops[i].ID, it.Error.Error())
			failed++
			continue
		}
		indexed++
	}
	ix.res.Indexed += indexed
	ix.res.Batches++
	metrics.RecordBatches(ix.opts.Kind, 1)
	metrics.RecordRows(ix.opts.Kind, "indexed", int64(indexed))
	metrics.RecordRows(ix.opts.Kind, "failed", int64(failed))

	elapsed := time.Since(began)
	rps := float64(0)
	if elapsed > 0 {
		rps = float64(len(ix.ops)) / elapsed.Seconds()
	}
	ix.opts.Log.Debug("bulk batch flushed",
		"index", ix.index,
		"batch", ix.res.Batches,
		"ops", len(ix.ops),
		"bytes", ix.size,
		"failed", failed,
		"total_indexed", ix.res.Indexed,
		"rps", int(rps),
		"took", elapsed.Truncate(time.Millisecond),
	)

	ix.ops = ix.ops[:0]
	ix.lines = ix.lines[:0]
	ix.size = 0
	return nil
}

// Close flushes the remainder and refreshes the index so the rows are
// visible to subsequent queries.
func (ix *Indexer) Close(ctx context.Context) (Result, error) {
	if ix.closed {
		return ix.result(), nil
	}
	if err := ix.flush(ctx); err != nil {
		return ix.result(), err
	}
	ix.closed = true
	if ix.res.Batches > 0 {
		if err := ix.engine.Refresh(ctx, ix.index); err != nil {
			if apperr.IsShutdown(err) {
				return ix.result(), err
			}
			return ix.result(), apperr.NewTransient(fmt.Errorf("refresh %s: %w", ix.index, err))
		}
	}
	metrics.RecordRows(ix.opts.Kind, "skipped", int64(ix.res.Skipped))
	ix.opts.Log.Info("indexing done",
		"index", ix.index,
		"mode", ix.opts.Mode.String(),
		"indexed", ix.res.Indexed,
		"failed", ix.res.Failed,
		"skipped", ix.res.Skipped,
		"batches", ix.res.Batches,
		"elapsed", time.Since(ix.start).Truncate(time.Millisecond),
	)
	return ix.result(), nil
}

func (ix *Indexer) result() Result {
	r := ix.res
	if ix.summary.Count > 0 {
		s := *ix.summary
		r.Errors = &s
	}
	return r
}

// Run drains in until it is closed, then closes the indexer.
func (ix *Indexer) Run(ctx context.Context, in <-chan Row) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return ix.result(), ctx.Err()
		case row, ok := <-in:
			if !ok {
				return ix.Close(ctx)
			}
			if err := ix.Add(ctx, row); err != nil {
				return ix.result(), err
			}
		}
	}
}

// ItemFailure is one rejected document.
type ItemFailure struct {
	Line   int
	ID     string
	Reason string
}

func (f ItemFailure) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("line %d: %s", f.Line, f.Reason)
	}
	return fmt.Sprintf("document %s: %s", f.ID, f.Reason)
}

// ErrorSummary keeps the first failures verbatim and counts the rest.
type ErrorSummary struct {
	Count   int
	Samples []ItemFailure
	limit   int
}

func newErrorSummary(limit int) *ErrorSummary {
	return &ErrorSummary{limit: limit}
}

func (s *ErrorSummary) add(line int, id, reason string) {
	if len(s.Samples) < s.limit {
		s.Samples = append(s.Samples, ItemFailure{Line: line, ID: id, Reason: reason})
	}
	s.Count++
}

// Error renders the summary shown to the dataset owner.
func (s *ErrorSummary) Error() string {
	if s == nil || s.Count == 0 {
		return ""
	}
	var b strings.Builder
	noun := "documents"
	if s.Count == 1 {
		noun = "document"
	}
	fmt.Fprintf(&b, "%d %s failed to index", s.Count, noun)
	for i, f := range s.Samples {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.String())
	}
	if more := s.Count - len(s.Samples); more > 0 {
		fmt.Fprintf(&b, "; and %d more", more)
	}
	return b.String()
}
