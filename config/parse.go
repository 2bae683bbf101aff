package config

import (
	"bufio"
	"io"
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// ConfigFileEnv names the environment variable that may point at a user config file
const ConfigFileEnv = "DXBACKEND_CONFIG_FILE"

// DefaultConfigFile is the user config file read from the working directory when ConfigFileEnv is unset
const DefaultConfigFile = "dxbackend.conf"

// Tristate is an option value that may be forced on, forced off, or left to the implementation
type Tristate int8

const (
	TristateAuto  Tristate = -1
	TristateFalse Tristate = 0
	TristateTrue  Tristate = 1
)

var tristateMapping = map[Tristate]string{
	TristateAuto:  "Auto",
	TristateFalse: "False",
	TristateTrue:  "True",
}

func (t Tristate) String() string {
	return tristateMapping[t]
}

// ParseBool accepts exactly "True" or "False"
func ParseBool(value string) (bool, bool) {
	switch value {
	case "True":
		return true, true
	case "False":
		return false, true
	}
	return false, false
}

// ParseInt32 accepts an optional leading '-' followed by decimal digits. A leading '+' is rejected.
func ParseInt32(value string) (int32, bool) {
	if len(value) == 0 {
		return 0, false
	}

	var sign int64 = 1
	start := 0
	if value[0] == '-' {
		sign = -1
		start = 1
	}

	if start == len(value) {
		return 0, false
	}

	var result int64
	for i := start; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, false
		}

		result *= 10
		result += int64(value[i] - '0')

		if sign*result > math.MaxInt32 || sign*result < math.MinInt32 {
			return 0, false
		}
	}

	return int32(sign * result), true
}

// ParseTristate accepts exactly "True", "False" or "Auto"
func ParseTristate(value string) (Tristate, bool) {
	switch value {
	case "True":
		return TristateTrue, true
	case "False":
		return TristateFalse, true
	case "Auto":
		return TristateAuto, true
	}
	return TristateAuto, false
}

func isWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\x09' || ch == '\r'
}

func isValidKeyChar(ch byte) bool {
	return (ch >= '0' && ch <= '9') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= 'a' && ch <= 'z') ||
		ch == '.' || ch == '_'
}

func skipWhitespace(line string, n int) int {
	for n < len(line) && isWhitespace(line[n]) {
		n++
	}
	return n
}

type parseContext struct {
	exeName string
	active  bool
}

func (ctx *parseContext) parseLine(config *Config, line string) {
	n := skipWhitespace(line, 0)

	if n < len(line) && line[n] == '[' {
		n++

		e := len(line) - 1
		for e > n && line[e] != ']' {
			e--
		}

		ctx.active = n <= e && line[n:e] == ctx.exeName
		return
	}

	keyStart := n
	for n < len(line) && isValidKeyChar(line[n]) {
		n++
	}
	key := line[keyStart:n]

	n = skipWhitespace(line, n)
	if n >= len(line) || line[n] != '=' {
		return
	}

	n = skipWhitespace(line, n+1)
	valueStart := n
	for n < len(line) && !isWhitespace(line[n]) {
		n++
	}

	if ctx.active {
		config.SetOption(key, line[valueStart:n])
	}
}

// Parse reads a config file. Each line is either "key = value" or a "[name]" section header;
// options inside a section are only applied when name equals exeName. Lines before the first
// section header always apply, and anything that does not parse is ignored.
func Parse(reader io.Reader, exeName string) (Config, error) {
	var config Config
	ctx := parseContext{exeName: exeName, active: true}

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		ctx.parseLine(&config, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}

	return config, nil
}

// UserConfig loads the file named by ConfigFileEnv, or DefaultConfigFile when the variable is
// unset. A missing file produces an empty config rather than an error.
func UserConfig(logger *slog.Logger, exeName string) (Config, error) {
	filePath := os.Getenv(ConfigFileEnv)
	if filePath == "" {
		filePath = DefaultConfigFile
	}

	file, err := os.Open(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	} else if err != nil {
		return Config{}, errors.Wrapf(err, "failed to open config file %s", filePath)
	}
	defer file.Close()

	logger.Info("Found config file", slog.String("path", filePath))

	config, err := Parse(file, exeName)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %s", filePath)
	}

	return config, nil
}
