package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/classy/app/decisions"
	"github.com/umputun/classy/app/policy"
	"github.com/umputun/classy/app/storage"
	"github.com/umputun/classy/app/storage/engine"
	"github.com/umputun/classy/app/webapi"
	"github.com/umputun/classy/lib/classy"
	"github.com/umputun/classy/lib/features"
)

type options struct {
	DataBaseURL string  `long:"db" env:"DB" default:"classy.db" description:"database url, sqlite file or postgres://"`
	InstanceID  string  `long:"gid" env:"GID" default:"classy" description:"model id, to keep several models in one database"`
	Strategy    string  `long:"strategy" env:"STRATEGY" default:"bayes" choice:"bayes" choice:"fisher" description:"classification strategy"` //nolint
	Weight      float64 `long:"weight" env:"WEIGHT" default:"1" description:"weight of the assumed probability"`
	Assumed     float64 `long:"assumed" env:"ASSUMED" default:"0.5" description:"assumed probability of an unseen feature"`
	Default     string  `long:"default" env:"DEFAULT" default:"unknown" description:"category to return if nothing matched"`
	PolicyFile  string  `long:"policy" env:"POLICY" description:"policy file with thresholds and minimums"`

	Features struct {
		MinLen  int    `long:"min-len" env:"MIN_LEN" default:"3" description:"min word length, in runes"`
		MaxLen  int    `long:"max-len" env:"MAX_LEN" default:"19" description:"max word length, in runes"`
		Exclude string `long:"exclude" env:"EXCLUDE" description:"file with excluded words, one per line"`
		Emoji   bool   `long:"emoji" env:"EMOJI" description:"add emoji features"`
		BPE     bool   `long:"bpe" env:"BPE" description:"add gpt-3 bpe token features"`
		Lua     string `long:"lua" env:"LUA" description:"lua script with features(text) function"`
	} `group:"features" namespace:"features" env-namespace:"FEATURES"`

	Decisions struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated decision log"`
		FileName   string `long:"file" env:"FILE" default:"classy-decisions.log" description:"location of decision log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"decisions" namespace:"decisions" env-namespace:"DECISIONS"`

	Train struct {
		Category string `short:"c" long:"category" required:"true" description:"category of the items"`
		Args     struct {
			Files []string `positional-arg-name:"FILE" description:"files with items, one per line, stdin if not set"`
		} `positional-args:"yes"`
	} `command:"train" description:"train classifier with items from files"`

	Classify struct {
		Args struct {
			Items []string `positional-arg-name:"ITEM" description:"items to classify, lines from stdin if not set"`
		} `positional-args:"yes"`
	} `command:"classify" description:"classify items"`

	Server struct {
		ListenAddr string        `long:"listen" env:"SERVER_LISTEN" default:":8080" description:"listen address"`
		AuthUser   string        `long:"auth-user" env:"SERVER_AUTH_USER" default:"classy" description:"basic auth user"`
		AuthPasswd string        `long:"auth" env:"SERVER_AUTH_PASSWD" description:"basic auth password, \"auto\" to generate"`
		RateLimit  float64       `long:"rate-limit" env:"SERVER_RATE_LIMIT" default:"50" description:"max requests per second per client, 0 to disable"`
		CacheTTL   time.Duration `long:"cache-ttl" env:"SERVER_CACHE_TTL" default:"5m" description:"ttl of cached classifications, 0 to disable"`
		CacheSize  int           `long:"cache-size" env:"SERVER_CACHE_SIZE" default:"1000" description:"max number of cached classifications"`
	} `command:"server" description:"run web api server"`

	Export struct {
		Output string `short:"o" long:"output" description:"output file, stdout if not set"`
	} `command:"export" description:"export sqlite counts as postgres sql script"`

	Import struct {
		From    string `long:"from" required:"true" description:"source database url"`
		FromGID string `long:"from-gid" description:"source model id, same as --gid if not set"`
	} `command:"import" description:"add counts from another database or model"`

	Exclude struct {
		Cleanup bool `long:"cleanup" description:"remove all excluded words of the model before import"`
		Args    struct {
			Files []string `positional-arg-name:"FILE" description:"files with words, one per line, stdin if not set"`
		} `positional-args:"yes"`
	} `command:"exclude" description:"import words excluded from features into the database"`

	Reset struct {
		NoBackup bool `long:"no-backup" description:"do not backup sqlite database file before reset"`
	} `command:"reset" description:"drop all counts of the model"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Fprintf(os.Stderr, "classy %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Server.AuthPasswd, dbSecret(opts.DataBaseURL))
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

	if err := execute(ctx, p.Active.Name, opts, os.Stdin, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// execute runs the command with all dependencies made from options
func execute(ctx context.Context, cmd string, opts options, in io.Reader, out io.Writer) error {
	db, err := engine.New(ctx, expandDB(opts.DataBaseURL), opts.InstanceID)
	if err != nil {
		return fmt.Errorf("can't make db engine: %w", err)
	}
	defer db.Close()
	log.Printf("[DEBUG] database %s, type %s, gid %q", dbSecret(opts.DataBaseURL), db.Type(), db.GID())

	counts, err := storage.NewCounts(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make counts storage: %w", err)
	}

	dict, err := storage.NewDictionary(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make dictionary storage: %w", err)
	}

	switch cmd {
	case "export":
		return exportDB(ctx, opts, db, out)
	case "import":
		return importDB(ctx, opts, counts)
	case "reset":
		return resetDB(ctx, opts, db, counts)
	case "exclude":
		return importExcluded(ctx, opts, dict, in)
	}

	excluded, err := dict.Read(ctx)
	if err != nil {
		return fmt.Errorf("can't read excluded words: %w", err)
	}
	extractor, closeExtractor, err := makeExtractor(opts, excluded)
	if err != nil {
		return fmt.Errorf("can't make feature extractor: %w", err)
	}
	defer closeExtractor()
	clf := makeClassifier(opts, counts, extractor)
	if err = loadPolicy(opts.PolicyFile, clf); err != nil {
		return err
	}

	decisionsWr, err := makeDecisionLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make decision log writer: %w", err)
	}
	defer decisionsWr.Close()
	decisionsLog := decisions.New(decisionsWr)

	switch cmd {
	case "train":
		return trainFiles(ctx, clf, opts.Train.Category, opts.Train.Args.Files, in)
	case "classify":
		return classifyItems(ctx, clf, opts.Default, opts.Classify.Args.Items, in, out, decisionsLog)
	case "server":
		return runServer(ctx, opts, clf, counts, decisionsLog)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// makeExtractor makes words extractor, combined with emoji, bpe and lua extractors if enabled.
// Words from the excluded file are added to the excluded words passed in.
// Returned func closes extractors holding resources.
func makeExtractor(opts options, excluded []string) (classy.Extractor, func(), error) {
	words := features.NewWords()
	words.MinLen, words.MaxLen = opts.Features.MinLen, opts.Features.MaxLen
	if opts.Features.Exclude != "" {
		data, err := os.ReadFile(opts.Features.Exclude) //nolint gosec // path is controlled by the user
		if err != nil {
			return nil, nil, fmt.Errorf("can't read excluded words file: %w", err)
		}
		excluded = append(excluded, strings.Split(string(data), "\n")...)
	}
	if len(excluded) > 0 {
		count, err := words.LoadExcluded(strings.NewReader(strings.Join(excluded, "\n")))
		if err != nil {
			return nil, nil, fmt.Errorf("can't load excluded words: %w", err)
		}
		log.Printf("[INFO] loaded %d excluded words", count)
	}

	extractors := []features.Extractor{words}
	if opts.Features.Emoji {
		extractors = append(extractors, features.Emoji{})
	}
	if opts.Features.BPE {
		extractors = append(extractors, &features.BPE{})
	}
	closer := func() {}
	if opts.Features.Lua != "" {
		lx, err := features.NewLua(opts.Features.Lua)
		if err != nil {
			return nil, nil, fmt.Errorf("can't load lua features: %w", err)
		}
		log.Printf("[INFO] lua features %q loaded from %s", lx.Name(), opts.Features.Lua)
		extractors = append(extractors, lx)
		closer = lx.Close
	}

	if len(extractors) == 1 {
		return words, closer, nil
	}
	return features.Combine(extractors...), closer, nil
}

func makeClassifier(opts options, counter classy.Counter, extractor classy.Extractor) classy.Classifier {
	if opts.Strategy == "fisher" {
		log.Printf("[DEBUG] fisher classifier, weight %v, assumed %v", opts.Weight, opts.Assumed)
		return classy.NewFisher(counter, extractor).WithShrinkage(opts.Weight, opts.Assumed)
	}
	log.Printf("[DEBUG] naive bayes classifier, weight %v, assumed %v", opts.Weight, opts.Assumed)
	return classy.NewNaiveBayes(counter, extractor).WithShrinkage(opts.Weight, opts.Assumed)
}

// loadPolicy applies policy file to the classifier. Missing file is not an error, it may be created later.
func loadPolicy(path string, clf classy.Classifier) error {
	if path == "" {
		return nil
	}
	if !fileutils.IsFile(path) {
		log.Printf("[INFO] policy file %s not found, using defaults", path)
		return nil
	}
	p, err := policy.LoadFile(path)
	if err != nil {
		return fmt.Errorf("can't load policy: %w", err)
	}
	p.Apply(clf)
	log.Printf("[INFO] policy loaded from %s, thresholds: %v, minimums: %v", path, p.Thresholds, p.Minimums)
	return nil
}

// trainFiles trains every non-empty line of the files as an item of the category.
// All files are processed, errors are collected and reported together.
func trainFiles(ctx context.Context, clf classy.Classifier, category string, files []string, in io.Reader) error {
	if len(files) == 0 {
		count, err := trainLines(ctx, clf, category, in)
		log.Printf("[INFO] trained %d items from stdin as %q", count, category)
		return err
	}

	errs := new(multierror.Error)
	total := 0
	for _, file := range files {
		if !fileutils.IsFile(file) {
			errs = multierror.Append(errs, fmt.Errorf("file %s not found", file))
			continue
		}
		fh, err := os.Open(file) //nolint gosec // path is controlled by the user
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't open %s: %w", file, err))
			continue
		}
		count, err := trainLines(ctx, clf, category, fh)
		_ = fh.Close()
		total += count
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't train from %s: %w", file, err))
		}
		log.Printf("[INFO] trained %d items from %s as %q", count, file, category)
	}
	log.Printf("[INFO] trained %d items total as %q", total, category)
	return errs.ErrorOrNil()
}

func trainLines(ctx context.Context, clf classy.Classifier, category string, r io.Reader) (int, error) {
	count := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := clf.Train(ctx, line, category); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("can't read items: %w", err)
	}
	return count, nil
}

// classifyItems classifies items, or non-empty lines of the input if no items, and writes "category<TAB>item"
// line for each of them
func classifyItems(ctx context.Context, clf classy.Classifier, def string, items []string, in io.Reader,
	out io.Writer, dl *decisions.Log) error {
	classifyOne := func(item string) error {
		d, err := clf.Decide(ctx, item)
		if err != nil && !errors.Is(err, classy.ErrInsufficientData) {
			return fmt.Errorf("can't classify %q: %w", item, err)
		}
		category := def
		if d.Matched {
			category = d.Category
		} else {
			log.Printf("[DEBUG] no match for %q, scores: %v", item, d.Scores)
		}
		dl.Write("cli", item, category, d)
		if _, err := fmt.Fprintf(out, "%s\t%s\n", category, item); err != nil {
			return fmt.Errorf("can't write result: %w", err)
		}
		return nil
	}

	if len(items) > 0 {
		for _, item := range items {
			if err := classifyOne(item); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := classifyOne(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("can't read items: %w", err)
	}
	return nil
}

// runServer starts web api server and policy watcher, blocks until context canceled
func runServer(ctx context.Context, opts options, clf classy.Classifier, counter classy.Counter, dl *decisions.Log) error {
	authPassword := opts.Server.AuthPasswd
	if authPassword == "auto" {
		pass, err := webapi.GenerateRandomPassword(20)
		if err != nil {
			return fmt.Errorf("can't generate random password: %w", err)
		}
		authPassword = pass
		log.Printf("[WARN] generated basic auth password for user %s: %q", opts.Server.AuthUser, pass)
	}

	srv := webapi.NewServer(webapi.Config{
		Version:    revision,
		ListenAddr: opts.Server.ListenAddr,
		Classifier: clf,
		Counter:    counter,
		PolicyFile: opts.PolicyFile,
		Decisions:  dl,
		AuthUser:   opts.Server.AuthUser,
		AuthPasswd: authPassword,
		RateLimit:  opts.Server.RateLimit,
		CacheTTL:   opts.Server.CacheTTL,
		CacheSize:  opts.Server.CacheSize,
		Dbg:        opts.Dbg,
	})

	if opts.PolicyFile != "" && fileutils.IsFile(opts.PolicyFile) {
		go func() {
			if err := policy.Watch(ctx, opts.PolicyFile, srv.ApplyPolicy); err != nil {
				log.Printf("[WARN] policy watcher failed: %v", err)
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// exportDB writes counts of sqlite database as postgres script to the output file or out
func exportDB(ctx context.Context, opts options, db *engine.SQL, out io.Writer) error {
	wr := out
	if opts.Export.Output != "" {
		fh, err := os.Create(opts.Export.Output) //nolint gosec // path is controlled by the user
		if err != nil {
			return fmt.Errorf("can't create export file: %w", err)
		}
		defer fh.Close()
		wr = fh
	}
	if err := engine.NewConverter(db).SqliteToPostgres(ctx, wr); err != nil {
		return fmt.Errorf("can't export database: %w", err)
	}
	if opts.Export.Output != "" {
		log.Printf("[INFO] database exported to %s", opts.Export.Output)
	}
	return nil
}

// importDB adds counts from another database or model to the current one
func importDB(ctx context.Context, opts options, counts *storage.Counts) error {
	gid := opts.Import.FromGID
	if gid == "" {
		gid = opts.InstanceID
	}
	srcDB, err := engine.New(ctx, expandDB(opts.Import.From), gid)
	if err != nil {
		return fmt.Errorf("can't open source database: %w", err)
	}
	defer srcDB.Close()
	src, err := storage.NewCounts(ctx, srcDB)
	if err != nil {
		return fmt.Errorf("can't open source counts: %w", err)
	}
	stats, err := counts.Import(ctx, src)
	if err != nil {
		return fmt.Errorf("can't import counts: %w", err)
	}
	log.Printf("[INFO] import done, total items %d, features %d, categories %+v", stats.Total, stats.Features, stats.Categories)
	return nil
}

// resetDB drops all counts of the model, sqlite database file is copied to a backup first
func resetDB(ctx context.Context, opts options, db *engine.SQL, counts *storage.Counts) error {
	if db.Type() == engine.Sqlite && !opts.Reset.NoBackup {
		file := sqliteFile(expandDB(opts.DataBaseURL))
		if file != "" && fileutils.IsFile(file) {
			backup, err := backupDB(file, time.Now())
			if err != nil {
				return fmt.Errorf("can't backup database before reset: %w", err)
			}
			log.Printf("[INFO] database %s copied to %s", file, backup)
		}
	}
	if err := counts.Reset(ctx); err != nil {
		return fmt.Errorf("can't reset counts: %w", err)
	}
	log.Printf("[INFO] all counts of %q dropped", opts.InstanceID)
	return nil
}

// importExcluded adds words from files, or from the input if no files, to the excluded words of the model
func importExcluded(ctx context.Context, opts options, dict *storage.Dictionary, in io.Reader) error {
	files := opts.Exclude.Args.Files
	if len(files) == 0 {
		count, err := dict.Import(ctx, in, opts.Exclude.Cleanup)
		if err != nil {
			return fmt.Errorf("can't import excluded words: %w", err)
		}
		log.Printf("[INFO] excluded words imported from stdin, total %d", count)
		return nil
	}

	for i, file := range files {
		fh, err := os.Open(file) //nolint gosec // path is controlled by the user
		if err != nil {
			return fmt.Errorf("can't open %s: %w", file, err)
		}
		count, err := dict.Import(ctx, fh, opts.Exclude.Cleanup && i == 0) // cleanup before the first file only
		_ = fh.Close()
		if err != nil {
			return fmt.Errorf("can't import excluded words from %s: %w", file, err)
		}
		log.Printf("[INFO] excluded words imported from %s, total %d", file, count)
	}
	return nil
}

// backupDB copies the database file to <file>.<timestamp>.bak and returns the backup name
func backupDB(file string, ts time.Time) (string, error) {
	backup := fmt.Sprintf("%s.%s.bak", file, ts.Format("20060102T150405"))
	if err := fileutils.CopyFile(file, backup); err != nil {
		return "", fmt.Errorf("can't copy %s to %s: %w", file, backup, err)
	}
	return backup, nil
}

// makeDecisionLogWriter creates decision log writer to keep all classification results
// it parses options and makes lumberjack logger with rotation
func makeDecisionLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Decisions.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Decisions.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse decisions MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] decision log enabled for %s, max size %dM", opts.Decisions.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Decisions.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Decisions.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

// expandDB expands home dir and makes absolute path for sqlite files, urls returned as is
func expandDB(dbURL string) string {
	if dbURL == ":memory:" || strings.Contains(dbURL, "://") {
		return dbURL
	}
	if strings.HasPrefix(dbURL, "file:") {
		return "file:" + expandPath(strings.TrimPrefix(dbURL, "file:"))
	}
	return expandPath(dbURL)
}

// sqliteFile returns sqlite file name from the database url, empty for in-memory and non-sqlite urls
func sqliteFile(dbURL string) string {
	switch {
	case dbURL == ":memory:" || strings.HasPrefix(dbURL, "postgres"):
		return ""
	case strings.HasPrefix(dbURL, "file://"):
		return strings.TrimPrefix(dbURL, "file://")
	case strings.HasPrefix(dbURL, "file:"):
		return strings.TrimPrefix(dbURL, "file:")
	case strings.HasPrefix(dbURL, "sqlite://"):
		return strings.TrimPrefix(dbURL, "sqlite://")
	}
	return dbURL
}

// expandPath expands ~ to home dir and makes the path absolute
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// dbSecret returns postgres url as a secret to hide in logs, sqlite paths have nothing to hide
func dbSecret(dbURL string) string {
	if strings.HasPrefix(dbURL, "postgres") {
		return dbURL
	}
	return ""
}

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
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
		if s != "" && s != "auto" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) > 0 {
		logOpts = append(logOpts, lgr.Secret(nonEmpty...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
