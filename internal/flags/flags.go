// Package flags manages command-line flags and environment variables for the
// hub client CLI. Every flag has a LOUPE_-prefixed environment variable
// equivalent, and secret-bearing flags accept a file path in place of the
// literal value.
package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gibraltar-software/loupe/pkg/hub"
)

// errInvalidLogFormat indicates an invalid log format was specified.
var errInvalidLogFormat = errors.New("invalid log format specified")

// errInvalidLogLevel indicates an invalid log level was specified.
var errInvalidLogLevel = errors.New("invalid log level specified")

// errReadFlagFailed indicates a flag lookup failed.
var errReadFlagFailed = errors.New("failed to read flag value")

// errReadFileFailed indicates a secret file could not be read.
var errReadFileFailed = errors.New("failed to read secret file")

// errSetFlagFailed indicates a flag value could not be replaced.
var errSetFlagFailed = errors.New("failed to set flag value")

// RegisterServerFlags adds the flags that identify and authenticate to the
// hub server.
func RegisterServerFlags(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()

	flags.StringP(
		"server",
		"s",
		envString("LOUPE_SERVER"),
		"DNS name or address of a self-hosted server")

	flags.IntP(
		"port",
		"p",
		envInt("LOUPE_PORT"),
		"TCP port of a self-hosted server (0 for the scheme default)")

	flags.BoolP(
		"ssl",
		"",
		envBool("LOUPE_SSL"),
		"Use HTTPS to reach a self-hosted server")

	flags.StringP(
		"base-directory",
		"",
		envString("LOUPE_BASE_DIRECTORY"),
		"Virtual directory on a self-hosted server hosting the hub application")

	flags.StringP(
		"repository",
		"",
		envString("LOUPE_REPOSITORY"),
		"Repository on a self-hosted server to send data to")

	flags.BoolP(
		"hosted-service",
		"",
		envBool("LOUPE_HOSTED_SERVICE"),
		"Connect to the hosted Loupe service instead of a self-hosted server")

	flags.StringP(
		"application-key",
		"k",
		envString("LOUPE_APPLICATION_KEY"),
		"Application key identifying this application to the server")

	flags.StringP(
		"customer",
		"c",
		envString("LOUPE_CUSTOMER"),
		"Customer account name on the hosted service")

	flags.StringP(
		"shared-secret",
		"",
		envString("LOUPE_SHARED_SECRET"),
		"Shared secret for signing requests, or a path to a file containing it")

	flags.StringP(
		"username",
		"u",
		envString("LOUPE_USERNAME"),
		"Username for servers requiring user credentials")

	flags.StringP(
		"password",
		"",
		envString("LOUPE_PASSWORD"),
		"Password for servers requiring user credentials, or a path to a file containing it")
}

// RegisterSystemFlags adds the flags that modify the CLI's program flow.
func RegisterSystemFlags(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()

	flags.StringP(
		"schedule",
		"",
		envString("LOUPE_SCHEDULE"),
		"Cron expression for periodic connectivity checks; when empty, one check runs and the command exits")

	flags.IntP(
		"max-retries",
		"",
		envInt("LOUPE_MAX_RETRIES"),
		"Retry budget for requests issued by subcommands (-1 for unlimited)")

	flags.BoolP(
		"run-once",
		"1",
		envBool("LOUPE_RUN_ONCE"),
		"Run a single connectivity check and exit, ignoring any schedule")

	flags.StringP(
		"log-level",
		"",
		viper.GetString("LOUPE_LOG_LEVEL"),
		"Log verbosity (panic, fatal, error, warn, info, debug, trace)")

	flags.StringP(
		"log-format",
		"",
		viper.GetString("LOUPE_LOG_FORMAT"),
		"Log format (auto, json, logfmt, pretty)")

	flags.BoolP(
		"no-color",
		"",
		viper.IsSet("NO_COLOR"),
		"Disable ANSI color in log output")
}

// SetEnvBindings wires viper to the process environment and applies the
// defaults for flags that need one.
func SetEnvBindings() {
	viper.AutomaticEnv()
	viper.SetDefault("LOUPE_LOG_LEVEL", "info")
	viper.SetDefault("LOUPE_LOG_FORMAT", "auto")
	viper.SetDefault("LOUPE_MAX_RETRIES", 3)
}

// SetupLogging configures logrus from the log-level, log-format, and
// no-color flags.
func SetupLogging(flags *pflag.FlagSet) error {
	logFormat, err := flags.GetString("log-format")
	if err != nil {
		return fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	noColor, err := flags.GetBool("no-color")
	if err != nil {
		return fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if err := configureLogFormat(logFormat, noColor); err != nil {
		return err
	}

	rawLogLevel, err := flags.GetString("log-level")
	if err != nil {
		return fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	logLevel, err := logrus.ParseLevel(rawLogLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidLogLevel, err)
	}

	logrus.SetLevel(logLevel)

	return nil
}

// configureLogFormat applies the requested logrus formatter.
func configureLogFormat(logFormat string, noColor bool) error {
	switch strings.ToLower(logFormat) {
	case "auto":
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableColors:             noColor,
			EnvironmentOverrideColors: true,
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "logfmt":
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		})
	case "pretty":
		logrus.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !noColor,
			FullTimestamp: false,
		})
	default:
		return fmt.Errorf("%w: %s", errInvalidLogFormat, logFormat)
	}

	return nil
}

// ReadSettings composes hub settings from the server flags.
func ReadSettings(flags *pflag.FlagSet) (hub.Settings, error) {
	var settings hub.Settings

	var err error

	if settings.UseHostedService, err = flags.GetBool("hosted-service"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.Server, err = flags.GetString("server"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.Port, err = flags.GetInt("port"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.UseSSL, err = flags.GetBool("ssl"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.ApplicationBaseDirectory, err = flags.GetString("base-directory"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.Repository, err = flags.GetString("repository"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.ApplicationKey, err = flags.GetString("application-key"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	if settings.CustomerName, err = flags.GetString("customer"); err != nil {
		return settings, fmt.Errorf("%w: %w", errReadFlagFailed, err)
	}

	return settings, nil
}

// GetSecretsFromFiles replaces secret flag values that name a readable file
// with that file's trimmed contents.
func GetSecretsFromFiles(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()

	secrets := []string{
		"shared-secret",
		"password",
	}
	for _, secret := range secrets {
		if err := getSecretFromFile(flags, secret); err != nil {
			logrus.Fatalf("failed to get secret from flag %v: %s", secret, err)
		}
	}
}

// getSecretFromFile reads one secret flag from a file when its value is a
// file path.
func getSecretFromFile(flags *pflag.FlagSet, secret string) error {
	flag := flags.Lookup(secret)
	if flag == nil {
		return nil
	}

	value := flag.Value.String()
	if value != "" && isFilePath(value) {
		content, err := os.ReadFile(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errReadFileFailed, err)
		}

		if err := flags.Set(secret, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("%w: %w", errSetFlagFailed, err)
		}
	}

	return nil
}

// isFilePath reports whether the value names an existing file rather than a
// literal secret.
func isFilePath(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// envString reads a string flag default from the environment.
func envString(key string) string {
	viper.MustBindEnv(key)

	return viper.GetString(key)
}

// envInt reads an integer flag default from the environment.
func envInt(key string) int {
	viper.MustBindEnv(key)

	return viper.GetInt(key)
}

// envBool reads a boolean flag default from the environment.
func envBool(key string) bool {
	viper.MustBindEnv(key)

	return viper.GetBool(key)
}
