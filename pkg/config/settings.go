// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Settings defines the global configuration for the gateway.
type Settings struct {
	listenAddress   string
	dbDriver        string
	dbDSN           string
	busBackend      string
	debug           bool
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration
	fs              afero.Fs
	cmd             *cobra.Command
}

var (
	globalSettings *Settings
	once           sync.Once
)

// GlobalSettings returns the singleton instance of the global settings.
func GlobalSettings() *Settings {
	once.Do(func() {
		globalSettings = &Settings{fs: afero.NewOsFs()}
	})
	return globalSettings
}

// ForTestsOnlyNewSettings builds a standalone Settings for tests, bypassing
// the singleton.
func ForTestsOnlyNewSettings(fs afero.Fs) *Settings {
	return &Settings{fs: fs}
}

// Load initializes the settings from the command line and environment.
func (s *Settings) Load(cmd *cobra.Command, fs afero.Fs) error {
	s.cmd = cmd
	if fs != nil {
		s.fs = fs
	}

	s.listenAddress = viper.GetString("listen-address")
	s.dbDriver = strings.ToLower(viper.GetString("database-driver"))
	s.dbDSN = viper.GetString("database-dsn")
	s.busBackend = strings.ToLower(viper.GetString("bus"))
	s.debug = viper.GetBool("debug")
	s.logLevel = viper.GetString("log-level")
	s.logFormat = viper.GetString("log-format")
	s.shutdownTimeout = viper.GetDuration("shutdown-timeout")

	return s.Validate()
}

// Validate checks the loaded settings for fatal misconfiguration.
func (s *Settings) Validate() error {
	switch s.dbDriver {
	case "", "memory":
	case "sqlite", "postgres":
		if s.dbDSN == "" {
			return &ActionableError{
				Err:        fmt.Errorf("database driver %q requires a DSN", s.dbDriver),
				Suggestion: "set --database-dsn or ARCHESTRA_DATABASE_DSN",
			}
		}
	default:
		return &ActionableError{
			Err:        fmt.Errorf("unknown database driver %q", s.dbDriver),
			Suggestion: "use one of: memory, sqlite, postgres",
		}
	}

	switch s.busBackend {
	case "", "memory":
	case "nats":
		if s.NATSURL() == "" {
			return &ActionableError{
				Err:        fmt.Errorf("bus backend nats requires a server URL"),
				Suggestion: "set --nats-url or ARCHESTRA_NATS_URL",
			}
		}
	case "redis":
		if s.RedisURL() == "" {
			return &ActionableError{
				Err:        fmt.Errorf("bus backend redis requires a server URL"),
				Suggestion: "set --redis-url or ARCHESTRA_REDIS_URL",
			}
		}
	default:
		return &ActionableError{
			Err:        fmt.Errorf("unknown bus backend %q", s.busBackend),
			Suggestion: "use one of: memory, nats, redis",
		}
	}

	if s.GeminiVertexAIEnabled() {
		if s.GeminiVertexAIProject() == "" || s.GeminiVertexAILocation() == "" {
			return &ActionableError{
				Err:        fmt.Errorf("gemini Vertex AI mode requires a project and location"),
				Suggestion: "set ARCHESTRA_GEMINI_VERTEX_AI_PROJECT and ARCHESTRA_GEMINI_VERTEX_AI_LOCATION",
			}
		}
	}

	if secret := s.GatewayTokenSecret(); secret != "" && len(secret) < 16 {
		return fmt.Errorf("gateway token secret must be at least 16 characters long")
	}

	return nil
}

// ListenAddress returns the gateway bind address.
func (s *Settings) ListenAddress() string {
	addr := s.listenAddress
	if addr == "" {
		addr = viper.GetString("listen-address")
	}
	if addr != "" && !strings.Contains(addr, ":") {
		addr = "localhost:" + addr
	}
	return addr
}

// MetricsListenAddress returns the metrics listen address.
func (s *Settings) MetricsListenAddress() string {
	return viper.GetString("metrics-listen-address")
}

// DatabaseDriver returns the persistence backend name.
func (s *Settings) DatabaseDriver() string {
	if s.dbDriver == "" {
		return "memory"
	}
	return s.dbDriver
}

// DatabaseDSN returns the DSN for the selected database driver.
func (s *Settings) DatabaseDSN() string {
	return s.dbDSN
}

// BusBackend returns the event bus backend name.
func (s *Settings) BusBackend() string {
	if s.busBackend == "" {
		return "memory"
	}
	return s.busBackend
}

// NATSURL returns the NATS server URL.
func (s *Settings) NATSURL() string {
	return viper.GetString("nats-url")
}

// RedisURL returns the Redis server URL.
func (s *Settings) RedisURL() string {
	return viper.GetString("redis-url")
}

// IsDebug returns whether debug mode is enabled.
func (s *Settings) IsDebug() bool {
	return s.debug
}

// LogFormat returns the log output format, text or json.
func (s *Settings) LogFormat() string {
	if s.logFormat == "" {
		return "text"
	}
	return strings.ToLower(s.logFormat)
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (s *Settings) ShutdownTimeout() time.Duration {
	if s.shutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return s.shutdownTimeout
}

// LogLevel returns the slog level derived from flags, defaulting to info.
func (s *Settings) LogLevel() slog.Level {
	if s.IsDebug() {
		return slog.LevelDebug
	}
	switch strings.ToLower(s.logLevel) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ChatAPIKey returns the environment fallback credential for a provider,
// sourced from ARCHESTRA_CHAT_{PROVIDER}_API_KEY.
func (s *Settings) ChatAPIKey(provider string) string {
	return viper.GetString("chat-" + strings.ToLower(provider) + "-api-key")
}

// ProviderBaseURL returns the upstream endpoint override for a provider,
// sourced from ARCHESTRA_{PROVIDER}_BASE_URL. Empty means the provider's
// default endpoint.
func (s *Settings) ProviderBaseURL(provider string) string {
	return viper.GetString(strings.ToLower(provider) + "-base-url")
}

// GeminiVertexAIEnabled reports whether Gemini requests are routed through
// Vertex AI instead of the Generative Language API.
func (s *Settings) GeminiVertexAIEnabled() bool {
	return viper.GetBool("gemini-vertex-ai-enabled")
}

// GeminiVertexAIProject returns the GCP project for Vertex AI mode.
func (s *Settings) GeminiVertexAIProject() string {
	return viper.GetString("gemini-vertex-ai-project")
}

// GeminiVertexAILocation returns the GCP region for Vertex AI mode.
func (s *Settings) GeminiVertexAILocation() string {
	return viper.GetString("gemini-vertex-ai-location")
}

// GeminiVertexAICredentialsFile returns the service account credentials file
// for Vertex AI mode. Empty falls back to application default credentials.
func (s *Settings) GeminiVertexAICredentialsFile() string {
	return viper.GetString("gemini-vertex-ai-credentials-file")
}

// BedrockRegion returns the AWS region used for SigV4 signing.
func (s *Settings) BedrockRegion() string {
	return viper.GetString("bedrock-region")
}

// BedrockInferenceProfilePrefix returns the prefix prepended to Bedrock model
// ids, e.g. "us." for cross-region inference profiles.
func (s *Settings) BedrockInferenceProfilePrefix() string {
	return viper.GetString("bedrock-inference-profile-prefix")
}

// MCPConnectTimeout bounds establishing one MCP server connection.
func (s *Settings) MCPConnectTimeout() time.Duration {
	return viper.GetDuration("mcp-connect-timeout")
}

// MCPListToolsTimeout bounds a tool listing round-trip.
func (s *Settings) MCPListToolsTimeout() time.Duration {
	return viper.GetDuration("mcp-list-tools-timeout")
}

// MCPSessionTTL is how long persisted MCP session rows live before the
// sweeper removes them.
func (s *Settings) MCPSessionTTL() time.Duration {
	return viper.GetDuration("mcp-session-ttl")
}

// OAuthRefreshTimeout bounds one OAuth token refresh round-trip.
func (s *Settings) OAuthRefreshTimeout() time.Duration {
	return viper.GetDuration("oauth-refresh-timeout")
}

// HTTPConcurrencyLimit caps in-flight calls per HTTP MCP connection.
func (s *Settings) HTTPConcurrencyLimit() int {
	n := viper.GetInt("http-concurrency-limit")
	if n <= 0 {
		return 4
	}
	return n
}

// UsageResetInterval is how often the housekeeper scans for limit windows
// that are due for a reset.
func (s *Settings) UsageResetInterval() time.Duration {
	return viper.GetDuration("usage-reset-interval")
}

// PricingFile returns the path of the YAML pricing table, empty for the
// built-in one.
func (s *Settings) PricingFile() string {
	return viper.GetString("pricing-file")
}

// KubeNamespace returns the namespace MCP runtime pods run in.
func (s *Settings) KubeNamespace() string {
	ns := viper.GetString("kube-namespace")
	if ns == "" {
		return "default"
	}
	return ns
}

// Kubeconfig returns the kubeconfig path, empty for in-cluster config.
func (s *Settings) Kubeconfig() string {
	return viper.GetString("kubeconfig")
}

// GatewayTokenSecret is the HMAC secret that verifies gateway-issued JWTs.
func (s *Settings) GatewayTokenSecret() string {
	return viper.GetString("gateway-token-secret")
}

// OIDCIssuer returns the external identity provider issuer URL. Empty
// disables external IdP token verification.
func (s *Settings) OIDCIssuer() string {
	return viper.GetString("oidc-issuer")
}

// OIDCAudience returns the audience expected in external IdP tokens.
func (s *Settings) OIDCAudience() string {
	return viper.GetString("oidc-audience")
}

// TracingEnabled reports whether OTLP span export is on.
func (s *Settings) TracingEnabled() bool {
	return viper.GetBool("tracing-enabled")
}

// TracingEndpoint returns the OTLP/http collector address.
func (s *Settings) TracingEndpoint() string {
	return viper.GetString("tracing-endpoint")
}

// TracingInsecure disables TLS toward the trace collector.
func (s *Settings) TracingInsecure() bool {
	return viper.GetBool("tracing-insecure")
}

// RateLimitRPS returns the optional ingress rate limit in requests per
// second. Zero disables rate limiting.
func (s *Settings) RateLimitRPS() float64 {
	return viper.GetFloat64("rate-limit-rps")
}

// RateLimitBurst returns the burst size for the ingress rate limiter.
func (s *Settings) RateLimitBurst() int {
	b := viper.GetInt("rate-limit-burst")
	if b <= 0 {
		return int(s.RateLimitRPS()) + 1
	}
	return b
}

// ToolLoopMaxRounds caps agentic tool-execution rounds per chat request.
func (s *Settings) ToolLoopMaxRounds() int {
	n := viper.GetInt("tool-loop-max-rounds")
	if n <= 0 {
		return 8
	}
	return n
}

// Fs returns the filesystem settings-dependent components should read
// through.
func (s *Settings) Fs() afero.Fs {
	if s.fs == nil {
		return afero.NewOsFs()
	}
	return s.fs
}
