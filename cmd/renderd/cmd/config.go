package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing renderd configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

This shows all available configuration options after merging defaults,
the config file, and environment variables. Redirect the output to a
file to create a configuration template:

  renderd config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ./configs/config.yaml, /etc/renderd/config.yaml)
  - Environment variables (RENDERD_SERVER_PORT, RENDERD_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the RENDERD_ prefix and underscores for nesting.
Example: server.port -> RENDERD_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, formatting durations and
// sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Tag.Get("yaml")
		}
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case config.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Credentials never reach stdout; the log redaction in
	// observability covers the other sink.
	if cfg.TTS.APIKey != "" {
		cfg.TTS.APIKey = "[REDACTED]"
	}

	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# renderd Configuration File")
	fmt.Println("# ==========================")
	fmt.Println("#")
	fmt.Println("# All values reflect the current effective configuration.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d, 2w")
	fmt.Println("# Size format: 500MB, 2GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   RENDERD_SERVER_HOST, RENDERD_SERVER_PORT")
	fmt.Println("#   RENDERD_DATABASE_DRIVER, RENDERD_DATABASE_DSN")
	fmt.Println("#   RENDERD_STORAGE_BASE_DIR, RENDERD_TTS_API_KEY")
	fmt.Println("#   RENDERD_LOGGING_LEVEL, RENDERD_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
