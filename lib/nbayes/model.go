// Package nbayes implements Naive Bayes inference over a precomputed model. The model maps each token
// to a pair of natural log-probabilities, log P(token|ham) and log P(token|spam), plus a reserved
// ClassPriors entry with log P(ham) and log P(spam).
//
// A Model is built once, by LoadModel from the flat model file or by NewModel from records read
// elsewhere, and never changes after that. Scorer uses it read-only.
package nbayes

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-pkgz/fileutils"
	"github.com/hashicorp/go-multierror"
)

// ClassPriorsKey is the reserved model key holding class priors instead of word likelihoods.
const ClassPriorsKey = "ClassPriors"

// DefaultModelFile is the model file name looked up in the working directory.
const DefaultModelFile = "NBmodel.txt"

var (
	// ErrModelNotFound returned when the model source doesn't exist or can't be read.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelFormat returned for a model record which can't be parsed.
	ErrModelFormat = errors.New("invalid model record")
	// ErrNoPriors returned when the model has no ClassPriors entry.
	ErrNoPriors = errors.New("model has no " + ClassPriorsKey + " entry")
)

// LogProb is a pair of natural log-probabilities, one per class.
// Values are finite or negative infinity.
type LogProb struct {
	Ham  float64
	Spam float64
}

// Record is a single model entry with raw probabilities, as stored in the model file.
type Record struct {
	Token     string
	HamCount  float64 // not used for inference
	SpamCount float64 // not used for inference
	PHam      float64
	PSpam     float64
}

// Model is an immutable token -> LogProb lookup with class priors.
type Model struct {
	words  map[string]LogProb
	priors LogProb
}

// NewModel makes a Model from records. Records are applied in order, the last one for a token wins.
// One of the records must use ClassPriorsKey.
func NewModel(records ...Record) (*Model, error) {
	m := &Model{words: make(map[string]LogProb, len(records))}
	hasPriors := false
	for _, r := range records {
		lp, err := r.logProb()
		if err != nil {
			return nil, err
		}
		if r.Token == ClassPriorsKey {
			m.priors, hasPriors = lp, true
			continue
		}
		m.words[r.Token] = lp
	}
	if !hasPriors {
		return nil, ErrNoPriors
	}
	return m, nil
}

// LoadModelFile loads the model from a file. Missing file reported as ErrModelNotFound.
func LoadModelFile(path string) (*Model, error) {
	if !fileutils.IsFile(path) {
		return nil, fmt.Errorf("can't find %s: %w", path, errors.Join(ErrModelNotFound, fs.ErrNotExist))
	}
	fh, err := os.Open(path) //nolint:gosec // path is controlled by the operator
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", path, errors.Join(ErrModelNotFound, err))
	}
	defer fh.Close()

	m, err := LoadModel(fh)
	if err != nil {
		return nil, fmt.Errorf("can't load %s: %w", path, err)
	}
	return m, nil
}

// LoadModel reads model records from r, one per line:
//
//	TOKEN<TAB>count_ham,count_spam,P(token|ham),P(token|spam)
//
// All bad records are reported together, each with its line number.
func LoadModel(r io.Reader) (*Model, error) {
	var records []Record
	errs := new(multierror.Error)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("line %d: %w", lineNum, err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return NewModel(records...)
}

// ParseRecord parses a single model line. The token is everything before the first tab,
// the payload after it must hold exactly four comma-separated numbers.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	token, payload, ok := strings.Cut(line, "\t")
	if !ok {
		return Record{}, fmt.Errorf("%w: no tab separator in %q", ErrModelFormat, line)
	}
	fields := strings.Split(payload, ",")
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("%w: expected 4 comma-separated fields for %q, got %d", ErrModelFormat, token, len(fields))
	}

	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: field %d of %q: %w", ErrModelFormat, i+1, token, err)
		}
		vals[i] = v
	}
	rec := Record{Token: token, HamCount: vals[0], SpamCount: vals[1], PHam: vals[2], PSpam: vals[3]}
	if _, err := rec.logProb(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Lookup returns log-probabilities for the token, ok is false for tokens not in the model.
// The priors entry is not returned by Lookup, use Priors for it.
func (m *Model) Lookup(token string) (lp LogProb, ok bool) {
	lp, ok = m.words[token]
	return lp, ok
}

// Priors returns class priors log-probabilities.
func (m *Model) Priors() LogProb { return m.priors }

// Len returns the number of tokens in the model, not counting priors.
func (m *Model) Len() int { return len(m.words) }

func (r Record) logProb() (LogProb, error) {
	for _, p := range []float64{r.PHam, r.PSpam} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return LogProb{}, fmt.Errorf("%w: bad probability %v for %q", ErrModelFormat, p, r.Token)
		}
	}
	return LogProb{Ham: logOrNegInf(r.PHam), Spam: logOrNegInf(r.PSpam)}, nil
}

// logOrNegInf returns natural log of p, zero probability maps to -Inf explicitly
func logOrNegInf(p float64) float64 {
	if p == 0 {
		return math.Inf(-1)
	}
	return math.Log(p)
}
