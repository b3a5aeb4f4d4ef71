package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing vtcast configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

Values come from defaults, the config file and environment variables, in that
order of increasing precedence. Redirect the output to create a template:

  vtcast config dump > .vtcast.yaml

Environment variables use the VTCAST_ prefix and underscores for nesting.
Example: rtmp.port -> VTCAST_RTMP_PORT`,
	RunE: runConfigDump,
}

var dumpShowSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configDumpCmd.Flags().BoolVar(&dumpShowSecrets, "show-secrets", false, "print secrets instead of redacting them")
}

// secretKeys are redacted in dumps unless --show-secrets is given.
var secretKeys = map[string]bool{
	"dsn":             true,
	"alias_secret":    true,
	"dev_stream_keys": true,
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// formatting durations for humans.
func toMap(v any, redact bool) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Pointer {
		val = val.Elem()
	}
	typ := val.Type()

	result := make(map[string]any, val.NumField())
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}
		if redact && secretKeys[key] && !field.IsZero() {
			result[key] = "[REDACTED]"
			continue
		}
		result[key] = toValue(field, redact)
	}
	return result
}

func toValue(field reflect.Value, redact bool) any {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Struct:
		return toMap(field.Interface(), redact)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.Struct {
			return field.Interface()
		}
		items := make([]any, field.Len())
		for i := range items {
			items[i] = toMap(field.Index(i).Interface(), redact)
		}
		return items
	default:
		return field.Interface()
	}
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(toMap(cfg, !dumpShowSecrets))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# vtcast configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m, 720h")
	fmt.Fprintln(out, "# Cron schedules take six fields, seconds first: \"0 */5 * * * *\"")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   VTCAST_SERVER_PORT, VTCAST_RTMP_PORT")
	fmt.Fprintln(out, "#   VTCAST_DATABASE_DRIVER, VTCAST_DATABASE_DSN")
	fmt.Fprintln(out, "#   VTCAST_RENDER_FPS, VTCAST_ENCODER_BITRATE")
	fmt.Fprintln(out, "#   VTCAST_LOGGING_LEVEL, VTCAST_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
