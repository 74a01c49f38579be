package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog"
	"github.com/pelletier/go-toml/v2"
	flag "github.com/spf13/pflag"

	"github.com/MonteCarloClub/vanityhash/log"
	"github.com/MonteCarloClub/vanityhash/mining/cpuminer"
	"github.com/MonteCarloClub/vanityhash/wsnotify"
)

const (
	defaultConfigFilename  = "vanityhash.toml"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "vanityhash.log"
	defaultLogLevel        = "info"
	defaultPrefix          = "/dummyprefix/"
	defaultNotifyPort      = "8335"
	defaultMaxNotifyClient = wsnotify.DefaultMaxClients
)

var (
	defaultHomeDir    = btcutil.AppDataDir("vanityhash", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// duration is a time.Duration which is written as a Go duration string, such
// as "90s" or "5m", in the config file.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// config defines the configuration options for vanityhash.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ConfigFile       string   `toml:"-"`
	Prefix           string   `toml:"prefix"`
	Workers          int      `toml:"workers"`
	ReportInterval   duration `toml:"reportinterval"`
	MaxHashes        uint64   `toml:"maxhashes"`
	BatchSize        uint64   `toml:"batchsize"`
	NotifyListeners  []string `toml:"notifylisten"`
	MaxNotifyClients int      `toml:"maxnotifyclients"`
	LogDir           string   `toml:"logdir"`
	NoLogFile        bool     `toml:"nologfile"`
	DebugLevel       string   `toml:"debuglevel"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", homeDir, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		log.SetLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := log.SubsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, log.SupportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		log.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	seen := map[string]struct{}{}
	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		result = append(result, addr)
	}
	return result
}

// loadConfigFile decodes the TOML file at path into cfg.  A missing file is
// only an error when the path was given explicitly.
func loadConfigFile(cfg *config, path string, explicit bool) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return fmt.Errorf("parse config %s: %s", path,
				strictErr.String())
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// newFlagSet returns the command line flag set bound to cfg.  The current
// field values of cfg become the flag defaults.
func newFlagSet(cfg *config) *flag.FlagSet {
	fs := flag.NewFlagSet("vanityhash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.StringVarP(&cfg.ConfigFile, "configfile", "C", cfg.ConfigFile,
		"Path to configuration file")
	fs.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers,
		fmt.Sprintf("Number of hashing workers, 0 uses the available "+
			"parallelism (max %d)", cpuminer.MaxWorkers))
	fs.DurationVar(&cfg.ReportInterval.Duration, "reportinterval",
		cfg.ReportInterval.Duration, "Interval between hash rate reports")
	fs.Uint64Var(&cfg.MaxHashes, "maxhashes", cfg.MaxHashes,
		"Number of candidates each worker tries, 0 for no limit")
	fs.Uint64Var(&cfg.BatchSize, "batchsize", cfg.BatchSize,
		"Hashes per progress counter update (power of two)")
	fs.StringArrayVar(&cfg.NotifyListeners, "notifylisten",
		cfg.NotifyListeners, "Add an interface/port to serve the "+
			"discovery feed on (default port: "+defaultNotifyPort+")")
	fs.IntVar(&cfg.MaxNotifyClients, "maxnotifyclients",
		cfg.MaxNotifyClients, "Max number of feed clients")
	fs.StringVar(&cfg.LogDir, "logdir", cfg.LogDir,
		"Directory to log output")
	fs.BoolVar(&cfg.NoLogFile, "nologfile", cfg.NoLogFile,
		"Disable the log file")
	fs.StringVarP(&cfg.DebugLevel, "debuglevel", "d", cfg.DebugLevel,
		"Logging level for all subsystems {trace, debug, info, warn, "+
			"error, critical} -- You may also specify "+
			"<subsystem>=<level>,<subsystem2>=<level>,... to set the "+
			"log level for individual subsystems")
	return fs
}

// usage prints the command line usage to w.
func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: vanityhash [flags] [prefix]\n\n")
	fmt.Fprintf(w, "Searches for the input starting with prefix whose "+
		"SHA-256 hash is the lowest.\n\nFlags:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in vanityhash functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.  The positional prefix overrides the prefix of the config file.
//
// flag.ErrHelp is returned after printing the usage when help is requested.
func loadConfig(args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:       defaultConfigFile,
		Prefix:           defaultPrefix,
		ReportInterval:   duration{cpuminer.DefaultReportInterval},
		BatchSize:        cpuminer.DefaultHashBatchSize,
		MaxNotifyClients: defaultMaxNotifyClient,
		LogDir:           defaultLogDir,
		DebugLevel:       defaultLogLevel,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the help option was specified.  Any errors aside from the
	// help message error are reported by the full parse below.
	preCfg := cfg
	preParser := newFlagSet(&preCfg)
	preParser.ParseErrorsWhitelist.UnknownFlags = true
	if err := preParser.Parse(args); errors.Is(err, flag.ErrHelp) {
		usage(os.Stdout, preParser)
		return nil, nil, err
	}

	// Load additional config from file.
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err := loadConfigFile(&cfg, configFile, preParser.Changed("configfile"))
	if err != nil {
		return nil, nil, err
	}
	cfg.ConfigFile = configFile

	// Parse command line options again to ensure they take precedence.
	parser := newFlagSet(&cfg)
	if err := parser.Parse(args); err != nil {
		return nil, nil, err
	}

	remainingArgs := parser.Args()
	if len(remainingArgs) > 1 {
		return nil, nil, fmt.Errorf("too many arguments: %v",
			remainingArgs[1:])
	}
	if len(remainingArgs) == 1 {
		cfg.Prefix = remainingArgs[0]
	}

	if cfg.Workers < 0 || cfg.Workers > cpuminer.MaxWorkers {
		return nil, nil, fmt.Errorf("the workers option must be "+
			"between 0 and %d -- parsed [%d]", cpuminer.MaxWorkers,
			cfg.Workers)
	}

	if cfg.ReportInterval.Duration <= 0 {
		return nil, nil, fmt.Errorf("the reportinterval option must be "+
			"positive -- parsed [%v]", cfg.ReportInterval.Duration)
	}

	if cfg.BatchSize == 0 || cfg.BatchSize&(cfg.BatchSize-1) != 0 {
		return nil, nil, fmt.Errorf("the batchsize option must be a "+
			"power of two -- parsed [%d]", cfg.BatchSize)
	}

	if cfg.MaxNotifyClients < 0 {
		return nil, nil, fmt.Errorf("the maxnotifyclients option may "+
			"not be less than 0 -- parsed [%d]", cfg.MaxNotifyClients)
	}

	cfg.NotifyListeners = normalizeAddresses(cfg.NotifyListeners,
		defaultNotifyPort)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
