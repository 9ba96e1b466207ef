package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/hyperengineering/strata"
	"github.com/hyperengineering/strata/remote"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	cfgEnvFile  string
	cfgDBPath   string
	cfgInstance string
	cfgBaseURL  string
	cfgAppKey   string
	cfgToken    string
	cfgMode     string
	cfgTag      string
	cfgDeltaSet bool
	cfgDebug    bool
	outputJSON  bool
)

// settings holds the merged flag, environment and config-file values for
// the current invocation.
var settings *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - offline-first collection sync CLI",
	Long: `Strata reads and writes records in remote collections through a local
SQLite cache, queueing changes made offline and synchronizing them later.

Settings come from flags, STRATA_* environment variables (a .env file is
loaded when present) and an optional config file, in that order of priority.`,
	PersistentPreRunE: loadSettings,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	pf.StringVar(&cfgEnvFile, "env-file", ".env", "Dotenv file to load before reading STRATA_* variables")
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to the local cache database (env STRATA_DB_PATH)")
	pf.StringVar(&cfgInstance, "instance", "", "Local instance name, used to derive the database path (env STRATA_INSTANCE)")
	pf.StringVar(&cfgBaseURL, "base-url", "", "Remote collection service root (env STRATA_BASE_URL)")
	pf.StringVar(&cfgAppKey, "app-key", "", "Application key (env STRATA_APP_KEY)")
	pf.StringVar(&cfgToken, "token", "", "Bearer token (env STRATA_AUTH_TOKEN)")
	pf.StringVar(&cfgMode, "mode", "", "Store mode: network, cache, sync or auto (env STRATA_MODE, default auto)")
	pf.StringVar(&cfgTag, "tag", "", "Cache partition tag (env STRATA_TAG)")
	pf.BoolVar(&cfgDeltaSet, "delta-set", false, "Use delta-set pulls when the server supports them (env STRATA_DELTA_SET)")
	pf.BoolVar(&cfgDebug, "debug", false, "Log remote traffic to stderr (env STRATA_DEBUG)")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// settingKeys maps viper keys to the persistent flags that override them.
var settingKeys = map[string]string{
	"db_path":    "db-path",
	"instance":   "instance",
	"base_url":   "base-url",
	"app_key":    "app-key",
	"auth_token": "token",
	"mode":       "mode",
	"tag":        "tag",
	"delta_set":  "delta-set",
	"debug":      "debug",
}

func loadSettings(cmd *cobra.Command, args []string) error {
	if cfgEnvFile != "" {
		if err := godotenv.Load(cfgEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", cfgEnvFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("push_timeout", time.Minute)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	for key, flag := range settingKeys {
		if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	settings = v
	return nil
}

// loadConfig builds the client configuration from the merged settings.
func loadConfig() strata.Config {
	return strata.Config{
		LocalPath:    settings.GetString("db_path"),
		Instance:     settings.GetString("instance"),
		BaseURL:      settings.GetString("base_url"),
		AppKey:       settings.GetString("app_key"),
		AuthToken:    settings.GetString("auth_token"),
		Timeout:      settings.GetDuration("timeout"),
		Debug:        settings.GetBool("debug"),
		DebugLogPath: settings.GetString("debug_log"),
	}
}

// storeOptions builds the DataStore options from the merged settings.
func storeOptions() (strata.StoreOptions, error) {
	opts := strata.StoreOptions{
		Tag:         settings.GetString("tag"),
		DeltaSet:    settings.GetBool("delta_set"),
		TTL:         settings.GetDuration("ttl"),
		PageSize:    settings.GetInt("page_size"),
		PushTimeout: settings.GetDuration("push_timeout"),
	}
	if m := settings.GetString("mode"); m != "" {
		mode, err := strata.ParseMode(m)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	return opts, nil
}

// newClient opens a client, attaching an HTTP remote when a base URL is
// configured.
func newClient() (*strata.Client, error) {
	cfg := loadConfig()

	var rs *remote.HTTPClient
	if cfg.BaseURL != "" {
		var err error
		if rs, err = remote.FromConfig(cfg); err != nil {
			return nil, err
		}
		cfg.Remote = rs
	}

	client, err := strata.New(cfg)
	if err != nil {
		var ve *strata.ValidationError
		if errors.As(err, &ve) && ve.Field == "LocalPath" {
			return nil, fmt.Errorf("%w (set --db-path or STRATA_DB_PATH)", err)
		}
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	if rs != nil {
		rs.WithDebug(client.DebugLogger())
	}
	return client, nil
}

// openStore opens a client and the data store for collection. Callers
// close the returned client.
func openStore(collection string) (*strata.Client, *strata.DataStore, error) {
	opts, err := storeOptions()
	if err != nil {
		return nil, nil, err
	}
	client, err := newClient()
	if err != nil {
		return nil, nil, err
	}
	ds, err := client.DataStore(collection, opts)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, ds, nil
}
