// Package split partitions a FASTA query stream into bounded work units.
// A unit holds whole sequences only; a single sequence longer than the
// batch length still lands whole in its own unit.
package split

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/izavyalov-dev/cloudblast/internal/observability"
	"github.com/izavyalov-dev/cloudblast/staging"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// WorkUnit references one bounded chunk of query input.
type WorkUnit struct {
	Index   int
	URI     string
	Letters int
}

// Splitter writes work units through a staging area under destPrefix.
type Splitter struct {
	batchLen   int
	area       *staging.Area
	destPrefix string
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewSplitter builds a splitter bounded by batchLen letters per unit.
func NewSplitter(batchLen int, area *staging.Area, destPrefix string, logger *slog.Logger, metrics *observability.Metrics) (*Splitter, error) {
	if batchLen <= 0 {
		return nil, usererr.New(usererr.Input, "batch length must be positive, got %d", batchLen)
	}
	if logger == nil {
		logger = observability.NewLogger("split")
	}
	return &Splitter{
		batchLen:   batchLen,
		area:       area,
		destPrefix: strings.TrimRight(destPrefix, "/"),
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Split consumes readers as one logical FASTA stream and returns the
// ordered work units plus the total letter count, header lines excluded.
func (s *Splitter) Split(readers ...io.Reader) ([]WorkUnit, int, error) {
	w := &unitWriter{splitter: s}
	var (
		chunk        bytes.Buffer
		chunkLetters int
		seq          bytes.Buffer
		seqLetters   int
		totalLetters int
		lines        int
	)

	// Fold the pending sequence into the current chunk, flushing the chunk
	// first when the sequence would push it past the budget.
	closeSequence := func() error {
		if seq.Len() == 0 {
			return nil
		}
		if chunkLetters+seqLetters > s.batchLen {
			if chunk.Len() > 0 {
				if err := w.flush(&chunk, chunkLetters); err != nil {
					return err
				}
			}
			chunk.Reset()
			chunk.Write(seq.Bytes())
			chunkLetters = seqLetters
		} else {
			chunk.Write(seq.Bytes())
			chunkLetters += seqLetters
		}
		seq.Reset()
		seqLetters = 0
		return nil
	}

	for _, r := range readers {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				lines++
				if strings.HasPrefix(line, ">") {
					if err := closeSequence(); err != nil {
						return nil, 0, err
					}
				} else {
					n := len(strings.TrimRight(line, "\r\n"))
					seqLetters += n
					totalLetters += n
				}
				seq.WriteString(line)
				if !strings.HasSuffix(line, "\n") {
					seq.WriteByte('\n')
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, 0, fmt.Errorf("read query input: %w", err)
			}
		}
	}
	if lines == 0 {
		return nil, 0, usererr.New(usererr.Input, "query input is empty")
	}
	if err := closeSequence(); err != nil {
		return nil, 0, err
	}
	if chunk.Len() > 0 {
		if err := w.flush(&chunk, chunkLetters); err != nil {
			return nil, 0, err
		}
	}
	if len(w.units) == 0 {
		return nil, 0, usererr.New(usererr.Input, "query input contains no sequences")
	}
	s.logger.Info("query split complete", "units", len(w.units), "letters", totalLetters)
	return w.units, totalLetters, nil
}

// CountLetters reports the sequence letters in a FASTA stream without
// splitting it, header lines excluded.
func CountLetters(r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	letters := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" && !strings.HasPrefix(line, ">") {
			letters += len(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return letters, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read query input: %w", err)
		}
	}
}

type unitWriter struct {
	splitter *Splitter
	units    []WorkUnit
}

func (w *unitWriter) flush(chunk *bytes.Buffer, letters int) error {
	index := len(w.units)
	dest := fmt.Sprintf("%s/batch_%03d.fa", w.splitter.destPrefix, index)
	out, err := w.splitter.area.Create(dest)
	if err != nil {
		return fmt.Errorf("create work unit %d: %w", index, err)
	}
	if _, err := out.Write(chunk.Bytes()); err != nil {
		_ = out.Close()
		return fmt.Errorf("write work unit %d: %w", index, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("write work unit %d: %w", index, err)
	}
	w.splitter.metrics.IncWorkUnit("written")
	w.units = append(w.units, WorkUnit{Index: index, URI: dest, Letters: letters})
	chunk.Reset()
	return nil
}
