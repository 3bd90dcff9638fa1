package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	DBPath       string `yaml:"db_path"`
	PatternsPath string `yaml:"signal_patterns_path"`

	AnalysisSchedule string `yaml:"analysis_schedule"` // 5-field cron expression
	Disabled         bool   `yaml:"disabled"`
	BatchSize        int    `yaml:"batch_size"`       // pending items per cycle
	ModelBatchSize   int    `yaml:"model_batch_size"` // units per model call
	DailyTokenBudget int64  `yaml:"daily_token_budget"`
	StalenessDays    int    `yaml:"staleness_days"`

	// Tunable scoring constants. The defaults come from the research
	// calibration; treat them as starting points, not invariants.
	EscalationConfidence float64 `yaml:"escalation_confidence_threshold"`
	DoneWeight           float64 `yaml:"done_weight_threshold"`
	BlockerWeight        float64 `yaml:"blocker_weight_threshold"`
	ActivityWeight       float64 `yaml:"activity_weight_threshold"`
	CommitmentWeight     float64 `yaml:"commitment_weight_threshold"`
	TitleBoost           float64 `yaml:"title_weight_boost"`
	FallbackDiscount     float64 `yaml:"fallback_confidence_discount"`

	SlackBotToken   string `yaml:"slack_bot_token"`
	NotifyChannelID string `yaml:"notify_channel_id"`

	Timezone string `yaml:"timezone"`
	Location *time.Location `yaml:"-"`
}

// cronParser accepts the standard 5-field expression, same grammar
// everywhere a schedule appears.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.PatternsPath, "SIGNAL_PATTERNS_PATH")
	envOverride(&cfg.AnalysisSchedule, "ANALYSIS_SCHEDULE")
	envOverrideBool(&cfg.Disabled, "PIPELINE_DISABLED")
	envOverrideInt(&cfg.BatchSize, "BATCH_SIZE")
	envOverrideInt(&cfg.ModelBatchSize, "MODEL_BATCH_SIZE")
	envOverrideInt64(&cfg.DailyTokenBudget, "DAILY_TOKEN_BUDGET")
	envOverrideInt(&cfg.StalenessDays, "STALENESS_DAYS")
	envOverrideFloat(&cfg.EscalationConfidence, "ESCALATION_CONFIDENCE_THRESHOLD")
	envOverrideFloat(&cfg.DoneWeight, "DONE_WEIGHT_THRESHOLD")
	envOverrideFloat(&cfg.BlockerWeight, "BLOCKER_WEIGHT_THRESHOLD")
	envOverrideFloat(&cfg.ActivityWeight, "ACTIVITY_WEIGHT_THRESHOLD")
	envOverrideFloat(&cfg.CommitmentWeight, "COMMITMENT_WEIGHT_THRESHOLD")
	envOverrideFloat(&cfg.TitleBoost, "TITLE_WEIGHT_BOOST")
	envOverrideFloat(&cfg.FallbackDiscount, "FALLBACK_CONFIDENCE_DISCOUNT")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.NotifyChannelID, "NOTIFY_CHANNEL_ID")
	envOverride(&cfg.Timezone, "TIMEZONE")

	applyDefaults(&cfg)

	// Validate required fields
	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if _, err := cronParser.Parse(cfg.AnalysisSchedule); err != nil {
		log.Fatalf("invalid analysis_schedule '%s': %v", cfg.AnalysisSchedule, err)
	}
	if cfg.BatchSize < 1 {
		log.Fatalf("invalid batch_size '%d': must be >= 1", cfg.BatchSize)
	}
	if cfg.ModelBatchSize < 1 || cfg.ModelBatchSize > maxModelBatchSize {
		log.Fatalf("invalid model_batch_size '%d': must be between 1 and %d", cfg.ModelBatchSize, maxModelBatchSize)
	}
	if cfg.DailyTokenBudget < 0 {
		log.Fatalf("invalid daily_token_budget '%d': must be >= 0", cfg.DailyTokenBudget)
	}
	if cfg.StalenessDays < 1 {
		log.Fatalf("invalid staleness_days '%d': must be >= 1", cfg.StalenessDays)
	}
	if cfg.EscalationConfidence < 0 || cfg.EscalationConfidence > 1 {
		log.Fatalf("invalid escalation_confidence_threshold '%f': must be between 0 and 1", cfg.EscalationConfidence)
	}
	if cfg.FallbackDiscount <= 0 || cfg.FallbackDiscount > 1 {
		log.Fatalf("invalid fallback_confidence_discount '%f': must be in (0, 1]", cfg.FallbackDiscount)
	}
	if cfg.TitleBoost < 1 {
		log.Fatalf("invalid title_weight_boost '%f': must be >= 1", cfg.TitleBoost)
	}
	if cfg.PatternsPath != "" {
		if _, err := LoadSignalPatterns(cfg.PatternsPath); err != nil {
			log.Fatalf("invalid signal_patterns_path '%s': %v", cfg.PatternsPath, err)
		}
	}

	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./progressbot.db"
	}
	if cfg.AnalysisSchedule == "" {
		cfg.AnalysisSchedule = "*/45 * * * *"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.ModelBatchSize == 0 {
		cfg.ModelBatchSize = maxModelBatchSize
	}
	if cfg.DailyTokenBudget == 0 {
		cfg.DailyTokenBudget = 500000
	}
	if cfg.StalenessDays == 0 {
		cfg.StalenessDays = 3
	}
	if cfg.EscalationConfidence == 0 {
		cfg.EscalationConfidence = 0.60
	}
	if cfg.DoneWeight == 0 {
		cfg.DoneWeight = 0.20
	}
	if cfg.BlockerWeight == 0 {
		cfg.BlockerWeight = 0.15
	}
	if cfg.ActivityWeight == 0 {
		cfg.ActivityWeight = 0.10
	}
	if cfg.CommitmentWeight == 0 {
		cfg.CommitmentWeight = 0.05
	}
	if cfg.TitleBoost == 0 {
		cfg.TitleBoost = 1.2
	}
	if cfg.FallbackDiscount == 0 {
		cfg.FallbackDiscount = 0.85
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideInt64(field *int64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
