package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/securitytheatre/mime/mime"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = mime.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "mime [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", mime.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", mime.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", mime.DefaultShutdownTimeout)
	viper.SetDefault("transcript_file", mime.DefaultTranscriptFile)

	viper.SetDefault("queue.max_age", mime.DefaultQueueMaxAge)
	viper.SetDefault("queue.size", mime.DefaultQueueSize)
	viper.SetDefault("queue.sleep_paused", mime.DefaultQueueSleepPaused)
	viper.SetDefault("queue.sleep_empty", mime.DefaultQueueSleepEmpty)

	// LLM config
	viper.SetDefault("llm.base_url", mime.DefaultLLMBaseURL)
	viper.SetDefault("llm.token", "")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.temperature", mime.DefaultLLMTemperature)
	viper.SetDefault("llm.top_p", 0)
	viper.SetDefault("llm.frequency_penalty", mime.DefaultLLMFrequencyPenalty)
	viper.SetDefault("llm.max_tokens", mime.DefaultLLMMaxTokens)
	viper.SetDefault("llm.request_timeout", mime.DefaultLLMRequestTimeout)
	viper.SetDefault(
		"llm.max_requests_per_second",
		mime.DefaultLLMMaxRequestsPerSecond,
	)
	viper.SetDefault("llm.log_level", mime.DefaultLLMLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.log_level", mime.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		mime.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", mime.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.message_limit", mime.DefaultDiscordMessageLimit)
	viper.SetDefault("discord.custom_status", mime.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", mime.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.secondary_mention_text",
		mime.DefaultDiscordSecondaryMentionText,
	)

	// API config
	viper.SetDefault("api.listen", mime.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", mime.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", mime.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", mime.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", mime.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", mime.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", mime.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", mime.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", mime.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", mime.DefaultCORSMaxAgeDuration)
	viper.SetDefault(
		"api.cors.allow_credentials",
		mime.DefaultCORSAllowCredentials,
	)

	envPrefix := os.Getenv(mime.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = mime.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	viper.Set("llm.stop", viper.GetStringSlice("llm.stop"))

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"llm.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
