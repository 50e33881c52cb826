package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

const (
	defaultLogDir     = "./logs"
	defaultLogFile    = "posnode.log"
	defaultMaxSizeMB  = 100
	defaultMaxAgeDays = 7
)

// Options controls where log lines go. Zero values fall back to the env/defaults.
type Options struct {
	Dir        string
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	Stdout     bool
	Debug      bool
}

var (
	mu           sync.RWMutex
	debugEnabled = os.Getenv("LOG_DEBUG") == "true"
	logger       = newLogger(optionsFromEnv())
)

func optionsFromEnv() Options {
	return Options{
		Dir:        defaultLogDir,
		File:       os.Getenv("LOGFILE"),
		MaxSizeMB:  envInt("LOGFILE_MAX_SIZE_MB", defaultMaxSizeMB),
		MaxAgeDays: envInt("LOGFILE_MAX_AGE_DAYS", defaultMaxAgeDays),
		Stdout:     os.Getenv("LOG_STDOUT") == "true",
	}
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func newLogger(opts Options) *log.Logger {
	if opts.Dir == "" {
		opts.Dir = defaultLogDir
	}
	if opts.File == "" {
		opts.File = defaultLogFile
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = defaultMaxSizeMB
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = defaultMaxAgeDays
	}

	var out io.Writer = &lumberjack.Logger{
		Filename: filepath.Join(opts.Dir, opts.File),
		MaxSize:  opts.MaxSizeMB,  // megabytes
		MaxAge:   opts.MaxAgeDays, // days
	}
	if opts.Stdout {
		out = io.MultiWriter(out, os.Stdout)
	}
	return log.New(out, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Configure replaces the package logger. Called once from the run command after config is loaded.
func Configure(opts Options) {
	l := newLogger(opts)
	mu.Lock()
	logger = l
	debugEnabled = debugEnabled || opts.Debug
	mu.Unlock()
}

// Writer exposes the underlying rotating writer, e.g. for HTTP access logs.
func Writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Writer()
}

func output(level, color, category string, content ...interface{}) {
	message := fmt.Sprint(content...)
	coloredCategory := fmt.Sprintf("%s[%s][%s]%s", color, level, category, ColorReset)
	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Printf("%s: %s", coloredCategory, message)
}

func Info(category string, content ...interface{}) {
	output("INFO", ColorGreen, category, content...)
}

func Error(category string, content ...interface{}) {
	output("ERROR", ColorRed, category, content...)
}

func Warn(category string, content ...interface{}) {
	output("WARN", ColorYellow, category, content...)
}

func Debug(category string, content ...interface{}) {
	mu.RLock()
	enabled := debugEnabled
	mu.RUnlock()
	if !enabled {
		return
	}
	output("DEBUG", ColorBlue, category, content...)
}

// Errorf logs an error message and returns a formatted error
func Errorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	Error("ERROR", err.Error())
	return err
}
