package nbayes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ResultLogger is an optional consumer of scored results, called after each result is written.
type ResultLogger interface {
	Save(r Result)
}

// ResultLoggerFunc is a function adapter for ResultLogger.
type ResultLoggerFunc func(r Result)

// Save calls the function itself.
func (f ResultLoggerFunc) Save(r Result) { f(r) }

// Stats summarises a run.
type Stats struct {
	Documents int // documents scored
	Spam      int // predicted spam
	Ham       int // predicted ham
	Labelled  int // documents with "0" or "1" label
	Correct   int // labelled documents predicted correctly
}

// Accuracy returns the share of correctly predicted labelled documents, 0 if none labelled.
func (s Stats) Accuracy() float64 {
	if s.Labelled == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Labelled)
}

func (s *Stats) add(r Result) {
	s.Documents++
	if r.Predicted == ClassSpam {
		s.Spam++
	} else {
		s.Ham++
	}
	switch r.Label {
	case "0", "1":
		s.Labelled++
		if r.Label == fmt.Sprint(int(r.Predicted)) {
			s.Correct++
		}
	}
}

// Run reads documents from r, one per line, and writes one result line per document to w,
// in input order. A malformed line stops the run with an error wrapping ErrMalformedLine and the line
// number, results for the preceding lines are flushed before returning. End of input is not an error.
// Canceled ctx stops the run even if r is blocked waiting for input, the pending read is abandoned.
// The optional logger gets every written result.
func (s *Scorer) Run(ctx context.Context, r io.Reader, w io.Writer, logger ResultLogger) (stats Stats, err error) {
	wr := bufio.NewWriter(w)
	defer func() {
		if ferr := wr.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("failed to flush results: %w", ferr)
		}
	}()

	lines := newLineReader(r)
	defer lines.close()

	for lineNum := 1; ; lineNum++ {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		line, rerr := lines.next(ctx)
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return stats, fmt.Errorf("failed to read line %d: %w", lineNum, rerr)
		}
		if errors.Is(rerr, io.EOF) && line == "" {
			return stats, nil
		}

		res, serr := s.ScoreLine(strings.TrimSuffix(line, "\n"))
		if serr != nil {
			return stats, fmt.Errorf("line %d: %w", lineNum, serr)
		}
		if _, werr := wr.WriteString(res.String() + "\n"); werr != nil {
			return stats, fmt.Errorf("failed to write result for line %d: %w", lineNum, werr)
		}
		stats.add(res)
		if logger != nil {
			logger.Save(res)
		}

		if errors.Is(rerr, io.EOF) {
			return stats, nil
		}
	}
}

// lineReader reads lines on request in a separate goroutine, so the caller can stop waiting
// for a line on context cancellation. Only one line is read per request, nothing is read ahead.
type lineReader struct {
	req  chan struct{}
	resp chan readResult
}

type readResult struct {
	line string
	err  error
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{req: make(chan struct{}), resp: make(chan readResult, 1)}
	go func() {
		rd := bufio.NewReader(r)
		for range lr.req {
			line, err := rd.ReadString('\n')
			lr.resp <- readResult{line: line, err: err} // buffered, never blocks on abandoned read
			if err != nil {
				return
			}
		}
	}()
	return lr
}

// next returns the next line with its trailing newline, or ctx error if canceled while waiting.
func (lr *lineReader) next(ctx context.Context) (string, error) {
	select {
	case lr.req <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-lr.resp:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// close stops the reading goroutine once its current read, if any, is done
func (lr *lineReader) close() { close(lr.req) }
