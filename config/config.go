package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"idsweep/version"
)

type Config struct {
	Apps             []string      `json:"apps"`
	ProfilePaths     []string      `json:"profile_paths"`
	IdentityKeys     []string      `json:"identity_keys"`
	PurgePatterns    []string      `json:"purge_patterns"`
	StorageTable     string        `json:"storage_table"`
	DryRun           bool          `json:"dry_run"`
	Restore          bool          `json:"restore"`
	Protect          bool          `json:"protect"`
	PurgeWorkspace   bool          `json:"purge_workspace"`
	CompactFraction  float64       `json:"compact_fraction"`
	LockRetryMaxWait time.Duration `json:"-"`
	LockRetryMax     string        `json:"lock_retry_max"`
	StateFile        string        `json:"state_file"`
	OutputFileName   string        `json:"output_file_name"`
	LogLevel         string        `json:"log_level"`
	ShowProgress     bool          `json:"show_progress"`
	ConfigFile       string        `json:"-"`
}

// DefaultApps are the editor identities whose profiles we know how to locate.
var DefaultApps = []string{"Code", "Code - Insiders", "VSCodium", "Cursor", "Windsurf"}

// DefaultIdentityKeys and DefaultPurgePatterns come from the host's documented
// storage schema. They are configuration, not engine constants: forks rename
// keys, and users may need to widen or narrow the purge.
var (
	DefaultIdentityKeys = []string{
		"telemetry.machineId",
		"telemetry.devDeviceId",
		"telemetry.macMachineId",
		"telemetry.sqmId",
		"storage.serviceMachineId",
	}
	DefaultPurgePatterns = []string{"telemetry.%"}
)

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Apps:            append([]string(nil), DefaultApps...),
		IdentityKeys:    append([]string(nil), DefaultIdentityKeys...),
		PurgePatterns:   append([]string(nil), DefaultPurgePatterns...),
		StorageTable:    "ItemTable",
		DryRun:          false,
		Restore:         false,
		Protect:         true,
		PurgeWorkspace:  true,
		CompactFraction: 0.3,
		LockRetryMax:    "10s",
		StateFile:       defaultStateFile(),
		LogLevel:        "info",
		ShowProgress:    true,
	}

	apps := flag.String("app", strings.Join(cfg.Apps, ","), fmt.Sprintf("Comma-separated list of application identities to clean (default: %s).", strings.Join(cfg.Apps, ",")))
	profilePaths := flag.String("path", "", "Comma-separated list of explicit profile directories, bypassing discovery (default: none).")
	identityKeys := flag.String("keys", strings.Join(cfg.IdentityKeys, ","), "Comma-separated list of identifier keys to regenerate in the identity file.")
	purgePatterns := flag.String("purge-pattern", strings.Join(cfg.PurgePatterns, ","), "Comma-separated list of SQL LIKE patterns selecting state rows to purge.")
	storageTable := flag.String("storage-table", cfg.StorageTable, fmt.Sprintf("Key/value table name inside the state database (default: %s).", cfg.StorageTable))
	dryRun := flag.Bool("dry-run", cfg.DryRun, "Report what would change without mutating anything (default: false).")
	restore := flag.Bool("restore", cfg.Restore, "Revert previously applied file protection and exit (default: false).")
	protect := flag.Bool("protect", cfg.Protect, fmt.Sprintf("Write-protect sanitized files after cleaning (default: %t).", cfg.Protect))
	purgeWorkspace := flag.Bool("purge-workspace", cfg.PurgeWorkspace, fmt.Sprintf("Also purge per-workspace state databases (default: %t).", cfg.PurgeWorkspace))
	compactFraction := flag.Float64("compact-fraction", cfg.CompactFraction, "Compact the database when more than this fraction of rows was removed; 0 disables, 1 means never (default: 0.3).")
	lockRetryMax := flag.Duration("lock-retry-max", 10*time.Second, "Maximum total time to retry when the host holds the database lock (default: 10s).")
	stateFile := flag.String("state-file", cfg.StateFile, "Path of the protection state file (default: per-user config dir).")
	output := flag.String("output", cfg.OutputFileName, "Optional NDJSON report file (default: none).")
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	showProgress := flag.Bool("progress", cfg.ShowProgress, fmt.Sprintf("Show a progress bar during discovery and cleaning (default: %t).", cfg.ShowProgress))
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("idsweep version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "app":
			cfg.Apps = parseCommaSeparated(*apps)
		case "path":
			cfg.ProfilePaths = parseCommaSeparated(*profilePaths)
		case "keys":
			cfg.IdentityKeys = parseCommaSeparated(*identityKeys)
		case "purge-pattern":
			cfg.PurgePatterns = parseCommaSeparated(*purgePatterns)
		case "storage-table":
			cfg.StorageTable = strings.TrimSpace(*storageTable)
		case "dry-run":
			cfg.DryRun = *dryRun
		case "restore":
			cfg.Restore = *restore
		case "protect":
			cfg.Protect = *protect
		case "purge-workspace":
			cfg.PurgeWorkspace = *purgeWorkspace
		case "compact-fraction":
			cfg.CompactFraction = *compactFraction
		case "lock-retry-max":
			cfg.LockRetryMax = lockRetryMax.String()
		case "state-file":
			cfg.StateFile = *stateFile
		case "output":
			cfg.OutputFileName = *output
		case "log-level":
			cfg.LogLevel = *logLevel
		case "progress":
			cfg.ShowProgress = *showProgress
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("idsweep - Editor telemetry identity scrubber")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  idsweep [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  idsweep")
	fmt.Println("  idsweep --dry-run")
	fmt.Println("  idsweep --app Cursor --purge-pattern \"telemetry.%\"")
	fmt.Println("  idsweep --restore")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	cfg.StorageTable = strings.TrimSpace(cfg.StorageTable)
	if cfg.StorageTable == "" {
		cfg.StorageTable = "ItemTable"
	}
	if cfg.LockRetryMax == "" {
		cfg.LockRetryMax = "10s"
	}
	d, err := time.ParseDuration(cfg.LockRetryMax)
	if err != nil || d < 0 {
		return fmt.Errorf("invalid lock-retry-max value: %s", cfg.LockRetryMax)
	}
	cfg.LockRetryMaxWait = d

	if len(cfg.Apps) == 0 && len(cfg.ProfilePaths) == 0 {
		return fmt.Errorf("either --app or --path must name at least one target")
	}
	if len(cfg.IdentityKeys) == 0 && len(cfg.PurgePatterns) == 0 {
		return fmt.Errorf("nothing to do: both --keys and --purge-pattern are empty")
	}
	if cfg.CompactFraction < 0 || cfg.CompactFraction > 1 {
		return fmt.Errorf("compact-fraction must be between 0 and 1, got %v", cfg.CompactFraction)
	}
	if cfg.Restore && cfg.DryRun {
		return fmt.Errorf("--restore and --dry-run are mutually exclusive")
	}
	if strings.TrimSpace(cfg.StateFile) == "" {
		cfg.StateFile = defaultStateFile()
	}
	for _, p := range cfg.PurgePatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("empty purge pattern")
		}
	}
	return nil
}

func defaultStateFile() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "idsweep", "lockstate.json")
}

func parseCommaSeparated(input string) []string {
	if strings.TrimSpace(input) == "" {
		return []string{}
	}
	parts := strings.Split(input, ",")
	var result []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
