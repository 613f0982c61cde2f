package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the callbridge process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	Phone      PhoneConfig
	Speech     SpeechConfig
	LLM        LLMConfig
	Tunnel     TunnelConfig
	Escalation EscalationConfig
	Scripts    ScriptConfig
	Operator   OperatorConfig
	DB         DBConfig
	Redis      RedisConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type PhoneConfig struct {
	APIKey  string
	BaseURL string
	// FromNumber is the provider-owned caller id; ToNumber is the user.
	FromNumber string
	ToNumber   string
	// PublicKey is the provider's webhook signing key (base64 Ed25519).
	// Empty disables signature checks (explicit operator opt-out).
	PublicKey string
}

type SpeechConfig struct {
	TTSAPIKey string
	TTSVoice  string
	TTSModel  string
	STTAPIKey string
	STTWSURL  string
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type TunnelConfig struct {
	AgentURL  string
	AuthToken string
}

type EscalationConfig struct {
	Enabled            bool
	Events             []string
	AlwaysCallPatterns []string
	UseJudge           bool

	NotificationTimeout time.Duration

	QuietHoursStart string
	QuietHoursEnd   string
	QuietHoursTZ    string

	MinCallInterval    time.Duration
	MaxCallsPerHour    int
	MaxConcurrentCalls int
}

// ScriptConfig holds the spoken templates. {{project}} and {{message}}
// placeholders are substituted at call time.
type ScriptConfig struct {
	Greeting string
	Prompt   string
	Goodbye  string
}

type OperatorConfig struct {
	// JWTSecret protects /test-call and /conversation-call when set.
	JWTSecret string
}

// DBConfig is optional; when Host is empty, call records stay in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig is optional; when Host is empty, call history stays in memory.
type RedisConfig struct {
	Host string
	Port int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Phone.APIKey = os.Getenv("PHONE_API_KEY")
	c.Phone.BaseURL = strings.TrimSpace(os.Getenv("PHONE_API_BASE_URL"))
	c.Phone.FromNumber = strings.TrimSpace(os.Getenv("PHONE_NUMBER_FROM"))
	c.Phone.ToNumber = strings.TrimSpace(os.Getenv("PHONE_NUMBER_TO"))
	c.Phone.PublicKey = strings.TrimSpace(os.Getenv("PROVIDER_PUBLIC_KEY"))

	c.Speech.TTSAPIKey = os.Getenv("TTS_API_KEY")
	c.Speech.TTSVoice = strings.TrimSpace(os.Getenv("TTS_VOICE"))
	c.Speech.TTSModel = strings.TrimSpace(os.Getenv("TTS_MODEL"))
	c.Speech.STTAPIKey = os.Getenv("STT_API_KEY")
	c.Speech.STTWSURL = strings.TrimSpace(os.Getenv("STT_WS_URL"))

	c.LLM.APIKey = os.Getenv("LLM_API_KEY")
	c.LLM.BaseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	c.LLM.Model = strings.TrimSpace(os.Getenv("LLM_MODEL"))

	c.Tunnel.AgentURL = strings.TrimSpace(os.Getenv("TUNNEL_AGENT_URL"))
	c.Tunnel.AuthToken = os.Getenv("TUNNEL_AUTH_TOKEN")

	c.Escalation.Enabled = boolEnv("ESCALATION_ENABLED", true)
	c.Escalation.Events = listEnv("ESCALATION_EVENTS", []string{"permission_prompt", "question", "idle"})
	c.Escalation.AlwaysCallPatterns = listEnv("ALWAYS_CALL_PATTERNS", nil)
	c.Escalation.UseJudge = boolEnv("LLM_JUDGE_ENABLED", false)
	c.Escalation.NotificationTimeout = secondsEnv("NOTIFICATION_TIMEOUT_SECONDS", 120*time.Second)
	c.Escalation.QuietHoursStart = strings.TrimSpace(os.Getenv("QUIET_HOURS_START"))
	c.Escalation.QuietHoursEnd = strings.TrimSpace(os.Getenv("QUIET_HOURS_END"))
	c.Escalation.QuietHoursTZ = strings.TrimSpace(os.Getenv("QUIET_HOURS_TZ"))
	c.Escalation.MinCallInterval = secondsEnv("MIN_CALL_INTERVAL_SECONDS", 300*time.Second)
	{
		n, err := optionalInt("MAX_CALLS_PER_HOUR", 3)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Escalation.MaxCallsPerHour = n
	}
	{
		n, err := optionalInt("MAX_CONCURRENT_CALLS", 1)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Escalation.MaxConcurrentCalls = n
	}

	c.Scripts.Greeting = stringEnv("SCRIPT_GREETING",
		"Hi, this is your coding assistant calling about {{project}}. {{message}}")
	c.Scripts.Prompt = stringEnv("SCRIPT_PROMPT", "{{message}}")
	c.Scripts.Goodbye = stringEnv("SCRIPT_GOODBYE", "Got it, I will take it from here. Goodbye.")

	c.Operator.JWTSecret = os.Getenv("OPERATOR_JWT_SECRET")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Phone.APIKey == "" {
		errs = append(errs, errors.New("PHONE_API_KEY is required"))
	}
	if c.Phone.BaseURL == "" {
		errs = append(errs, errors.New("PHONE_API_BASE_URL is required"))
	}
	if c.Phone.FromNumber == "" {
		errs = append(errs, errors.New("PHONE_NUMBER_FROM is required"))
	}
	if c.Phone.ToNumber == "" {
		errs = append(errs, errors.New("PHONE_NUMBER_TO is required"))
	}

	if c.Speech.TTSAPIKey == "" {
		errs = append(errs, errors.New("TTS_API_KEY is required"))
	}
	if c.Speech.STTAPIKey == "" {
		errs = append(errs, errors.New("STT_API_KEY is required"))
	}
	if c.Speech.STTWSURL == "" {
		errs = append(errs, errors.New("STT_WS_URL is required"))
	}

	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}

	if c.Tunnel.AgentURL == "" {
		errs = append(errs, errors.New("TUNNEL_AGENT_URL is required"))
	}

	if c.Escalation.MaxCallsPerHour < 0 {
		errs = append(errs, fmt.Errorf("MAX_CALLS_PER_HOUR must not be negative, got %d", c.Escalation.MaxCallsPerHour))
	}
	if c.Escalation.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must not be negative, got %d", c.Escalation.MaxConcurrentCalls))
	}
	if (c.Escalation.QuietHoursStart == "") != (c.Escalation.QuietHoursEnd == "") {
		errs = append(errs, errors.New("QUIET_HOURS_START and QUIET_HOURS_END must be set together"))
	}

	if c.DB.Host != "" {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}
	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool { return c.App.Env == "production" }

func (c Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.App.Port) }

func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User,
		c.DB.Password,
		c.DB.Host,
		c.DB.Port,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c Config) UsePostgres() bool { return c.DB.Host != "" }

func (c Config) UseRedis() bool { return c.Redis.Host != "" }

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func secondsEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func boolEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func listEnv(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stringEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
