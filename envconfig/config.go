package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/t5go/t5go/logutil"
)

var (
	// Set via T5GO_DEBUG in the environment; "2" or higher enables trace logging
	Debug bool
	// Set via T5GO_MODELS in the environment
	ModelsDir string
	// Set via T5GO_NUM_THREADS in the environment
	NumThreads int
	// Set via T5GO_SEED in the environment
	Seed int64

	traceEnabled bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"T5GO_DEBUG":       {"T5GO_DEBUG", Debug, "Show additional debug information (e.g. T5GO_DEBUG=1, T5GO_DEBUG=2 for tensor traces)"},
		"T5GO_MODELS":      {"T5GO_MODELS", ModelsDir, "The path to the converted model bundles directory"},
		"T5GO_NUM_THREADS": {"T5GO_NUM_THREADS", NumThreads, "Number of worker goroutines for tensor kernels (default: number of CPUs)"},
		"T5GO_SEED":        {"T5GO_SEED", Seed, "Seed for weight initialization and sampling (default 0)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel returns the slog level selected by T5GO_DEBUG.
func LogLevel() slog.Level {
	switch {
	case traceEnabled:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	NumThreads = runtime.NumCPU()

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("T5GO_DEBUG"); debug != "" {
		Debug = false
		traceEnabled = false
		if level, err := strconv.Atoi(debug); err == nil {
			Debug = level > 0
			traceEnabled = level > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	ModelsDir = clean("T5GO_MODELS")
	if ModelsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Warn("failed to lookup home directory", "error", err)
		} else {
			ModelsDir = filepath.Join(home, ".t5go", "models")
		}
	}

	if threads := clean("T5GO_NUM_THREADS"); threads != "" {
		n, err := strconv.Atoi(threads)
		if err == nil && n > 0 {
			NumThreads = n
		} else {
			slog.Error("invalid setting, ignoring", "T5GO_NUM_THREADS", threads)
		}
	}

	if seed := clean("T5GO_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err == nil {
			Seed = s
		} else {
			slog.Error("invalid setting, ignoring", "T5GO_SEED", seed)
		}
	}
}
