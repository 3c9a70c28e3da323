package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/brandon-castaing-ucb/nb-mapper/app/storage"
	"github.com/brandon-castaing-ucb/nb-mapper/app/storage/engine"
	"github.com/brandon-castaing-ucb/nb-mapper/lib/nbayes"
)

type options struct {
	Model   string `long:"model" env:"MODEL" default:"NBmodel.txt" description:"model file"`
	DB      string `long:"db" env:"DB" description:"model database url, used instead of model file if set"`
	DBTable string `long:"db-table" env:"DB_TABLE" default:"nb_model" description:"model table name"`

	Results struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated log of scored results"`
		FileName   string `long:"file" env:"FILE" default:"nb-mapper-results.log" description:"location of results log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"results" namespace:"results" env-namespace:"RESULTS"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var ferr *flags.Error
		if !errors.As(err, &ferr) || ferr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, dbPassword(opts.DB))
	log.Printf("[INFO] nb-mapper %s", revision)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run loads the model and scores documents from in, writing results to out.
// The model is loaded before anything is read from in.
func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	model, err := loadModel(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't load model, %w", err)
	}
	log.Printf("[INFO] model loaded, %d tokens", model.Len())

	resWr, err := makeResultLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make results log writer, %w", err)
	}
	defer resWr.Close()

	var resLogger nbayes.ResultLogger
	if opts.Results.Enabled {
		resLogger = makeResultLogger(resWr)
	}

	st := time.Now()
	stats, err := nbayes.NewScorer(model).Run(ctx, in, out, resLogger)
	log.Printf("[INFO] scored %d documents in %v, spam: %d, ham: %d",
		stats.Documents, time.Since(st).Round(time.Millisecond), stats.Spam, stats.Ham)
	if stats.Labelled > 0 {
		log.Printf("[INFO] labelled documents: %d, accuracy: %.4f", stats.Labelled, stats.Accuracy())
	}
	if err != nil {
		return fmt.Errorf("scoring failed, %w", err)
	}
	return nil
}

// loadModel reads the model from the database if db url is set, from the model file otherwise
func loadModel(ctx context.Context, opts options) (*nbayes.Model, error) {
	if opts.DB == "" {
		log.Printf("[DEBUG] loading model from %s", opts.Model)
		return nbayes.LoadModelFile(opts.Model)
	}

	db, err := engine.New(ctx, opts.DB)
	if err != nil {
		return nil, fmt.Errorf("can't open model database: %w", errors.Join(nbayes.ErrModelNotFound, err))
	}
	defer db.Close()

	store, err := storage.NewModelStore(db, opts.DBTable)
	if err != nil {
		return nil, err
	}
	log.Printf("[DEBUG] loading model from %s database, table %s", db.Type(), opts.DBTable)
	return store.Load(ctx)
}

// makeResultLogger creates a logger keeping json lines for every scored document
func makeResultLogger(wr io.Writer) nbayes.ResultLogger {
	return nbayes.ResultLoggerFunc(func(r nbayes.Result) {
		m := struct {
			TimeStamp string          `json:"ts"`
			ID        string          `json:"id"`
			Label     string          `json:"label"`
			LogHam    json.RawMessage `json:"log_ham"`
			LogSpam   json.RawMessage `json:"log_spam"`
			Predicted int             `json:"predicted"`
		}{
			TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
			ID:        r.ID,
			Label:     r.Label,
			LogHam:    jsonLogProb(r.LogHam),
			LogSpam:   jsonLogProb(r.LogSpam),
			Predicted: int(r.Predicted),
		}
		line, err := json.Marshal(&m)
		if err != nil {
			log.Printf("[WARN] can't marshal json, %v", err)
			return
		}
		if _, err := wr.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write to results log, %v", err)
		}
	})
}

// jsonLogProb encodes log-probability as json number, infinities and nan as strings
func jsonLogProb(v float64) json.RawMessage {
	s := nbayes.FormatLogProb(v)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		s = strconv.Quote(s)
	}
	return json.RawMessage(s)
}

// makeResultLogWriter creates results log writer.
// it parses options and makes lumberjack logger with rotation
func makeResultLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Results.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	maxSize, err := sizeParse(opts.Results.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("can't parse results MaxSize: %w", err)
	}
	maxSize /= 1048576

	log.Printf("[INFO] results log enabled for %s, max size %dM", opts.Results.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Results.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Results.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

// sizeParse parses size with optional k/m/g/t suffix, in any case
func sizeParse(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(strings.ToLower(inp), sfx) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

// dbPassword extracts password from the database url to hide it in logs
func dbPassword(url string) string {
	_, rest, ok := strings.Cut(url, "://")
	if !ok {
		return ""
	}
	creds, _, ok := strings.Cut(rest, "@")
	if !ok {
		return ""
	}
	_, pass, _ := strings.Cut(creds, ":")
	return pass
}

// setupLog configures lgr with all output sent to stderr, stdout is reserved for results
func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError, lgr.Out(os.Stderr), lgr.Err(os.Stderr)}
	if dbg {
		logOpts = append(logOpts, lgr.Debug, lgr.CallerFile, lgr.CallerFunc)
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	nonEmpty := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) > 0 {
		logOpts = append(logOpts, lgr.Secret(nonEmpty...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
