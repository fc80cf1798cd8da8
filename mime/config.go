//nolint:lll // struct tags can't be split
package mime

import (
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "MIME_ENV_PREFIX"
	DefaultEnvPrefix   = "MIME"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
	DefaultTranscriptFile  = "inference.md"

	// DefaultDiscordMessageLimit is Discord's maximum message content length.
	// Replies longer than this are sent as a file attachment instead.
	DefaultDiscordMessageLimit         = 2000
	DefaultDiscordCustomStatus         = "@mention me!"
	DefaultDiscordErrorMessage         = "sorry, something went wrong!"
	DefaultDiscordSecondaryMentionText = "You called?"
	DefaultDiscordAttachmentNotice     = "Response content exceeded Discord's message size limits; see inference.md"
	DefaultDiscordGatewayIntent        = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	DefaultDiscordLogLevel             = slog.LevelWarn
	DefaultDiscordgoLogLevel           = slog.LevelWarn

	DefaultLLMBaseURL              = "http://127.0.0.1:8080/v1"
	DefaultLLMTemperature          = 0.2
	DefaultLLMFrequencyPenalty     = 1.1
	DefaultLLMMaxTokens            = 2560
	DefaultLLMRequestTimeout       = 5 * time.Minute
	DefaultLLMMaxRequestsPerSecond = 1
	DefaultLLMLogLevel             = slog.LevelInfo

	DefaultQueueSleepEmpty  = 1 * time.Second
	DefaultQueueSleepPaused = 5 * time.Second
	DefaultQueueSize        = 100
	DefaultQueueMaxAge      = 3 * time.Minute

	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultAPILogLevel           = slog.LevelInfo
	defaultListenNetwork         = "tcp"
	DefaultReadTimeout           = 5 * time.Second
	DefaultReadHeaderTimeout     = 5 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultIdleTimeout           = 30 * time.Second
	DefaultCORSAllowCredentials  = true
	DefaultCORSMaxAgeDuration    = 12 * time.Hour
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
	}
)

// Config is the top-level configuration for the bot.
type Config struct {
	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LLM configures the inference server integration
	LLM *LLMConfig `yaml:"llm" mapstructure:"llm" json:"llm"`

	// Queue holds the configuration for the inference request queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// API configures the monitoring/control HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to the discord gateway. If this is passed, the bot will
	// abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// TranscriptFile is a local file the most recent inference output is
	// written to. This is also the file attached to replies that exceed
	// the discord message size limit. Empty disables the transcript.
	TranscriptFile string `yaml:"transcript_file" mapstructure:"transcript_file" json:"transcript_file"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// MessageLimit is the maximum reply length sent as message content.
	// Longer replies are attached as a file instead.
	MessageLimit int `yaml:"message_limit" mapstructure:"message_limit" json:"message_limit" binding:"required,min=1"`

	// CustomStatus is set as the bot user's status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is the reply sent when inference fails
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// SecondaryMentionText is the reply sent when the bot is mentioned,
	// but isn't the first mention in the message
	SecondaryMentionText string `yaml:"secondary_mention_text" mapstructure:"secondary_mention_text" json:"secondary_mention_text"`

	httpClient *http.Client
}

// LLMConfig configures the connection to the inference server, and the
// generation parameters sent with each request.
//
//nolint:lll // can't break tags
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible completion endpoint
	// (ex: llama.cpp server's `http://127.0.0.1:8080/v1`)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Token is sent as the API key. Local inference servers generally
	// ignore it.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Model name passed to the completion endpoint
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Temperature to control randomness in output
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// TopP is the cumulative probability threshold for candidates
	TopP float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p"`

	// FrequencyPenalty is the penalty applied for repeating text
	FrequencyPenalty float32 `yaml:"frequency_penalty" mapstructure:"frequency_penalty" json:"frequency_penalty"`

	// MaxTokens is the maximum number of tokens in new output
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"required,min=1"`

	// Stop sequences at which to stop generating output
	Stop []string `yaml:"stop" mapstructure:"stop" json:"stop"`

	// RequestTimeout is the per-request deadline for inference calls
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"required,min=1s"`

	// MaxRequestsPerSecond limits the rate at which inference requests
	// are started
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// LogLevel for inference-related events
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// QueueConfig configures the capacity and behavior of the inference
// request queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a request that will be returned from the queue.
	// Requests older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Sleep for this duration when the bot is paused, before checking again
	SleepPaused time.Duration `yaml:"sleep_paused" mapstructure:"sleep_paused" json:"sleep_paused"`
}

func validateQueueConfig(field reflect.Value) any {
	if value, ok := field.Interface().(QueueConfig); ok {
		if value.Size < 0 {
			return "size must be >= 0"
		}
		if value.MaxAge < 0 {
			return "max_age must be >= 0"
		}
		if value.SleepEmpty < 0 {
			return "sleep_empty must be >= 0"
		}
		if value.SleepPaused < 0 {
			return "sleep_paused must be >= 0"
		}
	}
	return nil
}

// APIConfig configures the monitoring/control HTTP server
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required,min=1s"`

	// Development enables pprof routes and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAgeDuration,
		AllowCredentials: DefaultCORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	llmLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	llmLogLevel.Set(DefaultLLMLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		TranscriptFile:  DefaultTranscriptFile,
		Queue: &QueueConfig{
			Size:        DefaultQueueSize,
			MaxAge:      DefaultQueueMaxAge,
			SleepEmpty:  DefaultQueueSleepEmpty,
			SleepPaused: DefaultQueueSleepPaused,
		},
		LLM: &LLMConfig{
			BaseURL:              DefaultLLMBaseURL,
			Temperature:          DefaultLLMTemperature,
			FrequencyPenalty:     DefaultLLMFrequencyPenalty,
			MaxTokens:            DefaultLLMMaxTokens,
			RequestTimeout:       DefaultLLMRequestTimeout,
			MaxRequestsPerSecond: DefaultLLMMaxRequestsPerSecond,
			LogLevel:             llmLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:       DefaultDiscordGatewayIntent,
			LogLevel:             discordLogLevel,
			DiscordGoLogLevel:    discordgoLogLevel,
			MessageLimit:         DefaultDiscordMessageLimit,
			CustomStatus:         DefaultDiscordCustomStatus,
			ErrorMessage:         DefaultDiscordErrorMessage,
			SecondaryMentionText: DefaultDiscordSecondaryMentionText,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
