package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App: AppConfig{Env: "local", Port: 8080},
		Phone: PhoneConfig{
			APIKey:     "pk",
			BaseURL:    "https://api.phone.example/v2",
			FromNumber: "+15550001111",
			ToNumber:   "+15550002222",
		},
		Speech: SpeechConfig{TTSAPIKey: "tk", STTAPIKey: "sk", STTWSURL: "wss://stt.example/v1"},
		LLM:    LLMConfig{APIKey: "lk"},
		Tunnel: TunnelConfig{AgentURL: "http://127.0.0.1:4040"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, key := range []string{"PHONE_API_KEY", "PHONE_NUMBER_TO", "TTS_API_KEY", "STT_WS_URL", "LLM_API_KEY", "TUNNEL_AGENT_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in error, got: %v", key, err)
		}
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_QuietHoursMustBePaired(t *testing.T) {
	c := validConfig()
	c.Escalation.QuietHoursStart = "22:00"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unpaired quiet hours")
	}
	c.Escalation.QuietHoursEnd = "08:00"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_OptionalPostgres(t *testing.T) {
	c := validConfig()
	if c.UsePostgres() {
		t.Fatalf("no DB host should mean no postgres")
	}

	c.DB = DBConfig{Host: "localhost", Port: 5432, User: "callbridge", Name: "callbridge"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default outside production, got %q", c.DB.SSLMode)
	}

	c.App.Env = "production"
	c.DB.SSLMode = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_OptionalRedisPort(t *testing.T) {
	c := validConfig()
	c.Redis = RedisConfig{Host: "localhost", Port: 0}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for redis host without valid port")
	}
	c.Redis.Port = 6379
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CB_TEST_BOOL", "yes")
	if !boolEnv("CB_TEST_BOOL", false) {
		t.Fatalf("yes should parse true")
	}
	t.Setenv("CB_TEST_BOOL", "off")
	if boolEnv("CB_TEST_BOOL", true) {
		t.Fatalf("off should parse false")
	}
	if !boolEnv("CB_TEST_BOOL_UNSET", true) {
		t.Fatalf("unset should fall back to default")
	}

	t.Setenv("CB_TEST_LIST", "a, b,,c ")
	got := listEnv("CB_TEST_LIST", nil)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected list %v", got)
	}

	t.Setenv("CB_TEST_SECS", "90")
	if d := secondsEnv("CB_TEST_SECS", time.Second); d != 90*time.Second {
		t.Fatalf("expected 90s, got %s", d)
	}
	t.Setenv("CB_TEST_SECS", "nope")
	if d := secondsEnv("CB_TEST_SECS", 7*time.Second); d != 7*time.Second {
		t.Fatalf("bad value should fall back to default, got %s", d)
	}
}

func TestDSNAndAddrFormatting(t *testing.T) {
	c := validConfig()
	c.DB = DBConfig{Host: "db.internal", Port: 5432, User: "cb", Password: "pw", Name: "callbridge", SSLMode: "require"}
	want := "postgres://cb:pw@db.internal:5432/callbridge?sslmode=require"
	if got := c.PostgresDSN(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	c.Redis = RedisConfig{Host: "cache.internal", Port: 6379}
	if got := c.RedisAddr(); got != "cache.internal:6379" {
		t.Fatalf("unexpected redis addr %q", got)
	}
}
