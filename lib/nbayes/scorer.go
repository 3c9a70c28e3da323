package nbayes

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ErrMalformedLine returned for an input line with a field count other than 3 or 4.
var ErrMalformedLine = errors.New("malformed input line")

// Class is a predicted document class.
type Class int

// enum of classes, values are printed as is
const (
	ClassHam  Class = 0
	ClassSpam Class = 1
)

func (c Class) String() string {
	if c == ClassSpam {
		return "spam"
	}
	return "ham"
}

// Document is a single input record. Label is passed through to the output untouched.
type Document struct {
	ID    string
	Label string
	Text  string
}

// Result is a scored document.
type Result struct {
	ID        string
	Label     string
	LogHam    float64
	LogSpam   float64
	Predicted Class
}

// String returns the tab-separated output line, without trailing newline:
// docID, true label, log P(ham|doc), log P(spam|doc), predicted class.
func (r Result) String() string {
	return strings.Join([]string{r.ID, r.Label, FormatLogProb(r.LogHam), FormatLogProb(r.LogSpam),
		strconv.Itoa(int(r.Predicted))}, "\t")
}

var wordRe = regexp.MustCompile(`[a-z]+`)

// ParseDocument splits a raw input line into a Document. The whole line is lowercased and trailing
// whitespace removed first. Accepted shapes are "id\tlabel\ttext" and "id\tlabel\tsubject\tbody",
// subject and body are joined with a single space.
func ParseDocument(line string) (Document, error) {
	line = strings.TrimRightFunc(strings.ToLower(line), isTrailingSpace)
	fields := strings.Split(line, "\t")
	switch len(fields) {
	case 3:
		return Document{ID: fields[0], Label: fields[1], Text: fields[2]}, nil
	case 4:
		return Document{ID: fields[0], Label: fields[1], Text: fields[2] + " " + fields[3]}, nil
	default:
		return Document{}, fmt.Errorf("%w: expected 3 or 4 tab-separated fields, got %d", ErrMalformedLine, len(fields))
	}
}

// isTrailingSpace reports unicode white space and the \x1c-\x1f separator controls,
// all of them are stripped from the end of a line.
func isTrailingSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

// Tokenize returns all maximal runs of lowercase latin letters, in order and with duplicates.
// Everything else, including uppercase letters, separates tokens.
func Tokenize(text string) []string {
	return wordRe.FindAllString(text, -1)
}

// Scorer scores documents against a read-only Model.
type Scorer struct {
	model *Model
}

// NewScorer makes a Scorer for the model.
func NewScorer(m *Model) *Scorer {
	return &Scorer{model: m}
}

// Score computes class log-probabilities for the document. Tokens missing from the model
// contribute nothing to either class. Spam is predicted only if its log-probability is strictly
// greater than ham's, ties go to ham.
func (s *Scorer) Score(doc Document) Result {
	priors := s.model.Priors()
	logHam, logSpam := priors.Ham, priors.Spam
	for _, token := range Tokenize(doc.Text) {
		lp, ok := s.model.Lookup(token)
		if !ok {
			continue
		}
		logHam += lp.Ham
		logSpam += lp.Spam
	}

	res := Result{ID: doc.ID, Label: doc.Label, LogHam: logHam, LogSpam: logSpam, Predicted: ClassHam}
	if logSpam > logHam {
		res.Predicted = ClassSpam
	}
	return res
}

// ScoreLine parses and scores a single raw input line.
func (s *Scorer) ScoreLine(line string) (Result, error) {
	doc, err := ParseDocument(line)
	if err != nil {
		return Result{}, err
	}
	return s.Score(doc), nil
}

// FormatLogProb renders a float the way the upstream tooling prints them: shortest round-trip
// digits with a decimal point, "-inf"/"inf"/"nan" for special values, exponent form for magnitudes
// at or above 1e16 and below 1e-4.
func FormatLogProb(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsNaN(v):
		return "nan"
	case v == 0:
		if math.Signbit(v) {
			return "-0.0"
		}
		return "0.0"
	}

	if abs := math.Abs(v); abs >= 1e16 || abs < 1e-4 {
		return strconv.FormatFloat(v, 'e', -1, 64) // two-digit exponent, e.g. 1.5e-05
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
