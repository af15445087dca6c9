// =============================================================================
// 📦 AgentFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     DefaultAgentConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		LLM:       DefaultLLMConfig(),
		JWT:       DefaultJWTConfig(),
		Browser:   DefaultBrowserConfig(),
		Captcha:   DefaultCaptchaConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		RateLimit: DefaultRateLimitConfig(),
	}
}

// DefaultRateLimitConfig 返回默认的会话控制通道限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:   2,
		Burst: 5,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		GRPCPort:        9090,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultAgentConfig 返回默认 Agent 配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Name:          "default-agent",
		Description:   "Default AgentFlow agent",
		Model:         "gpt-4",
		SystemPrompt:  "You are a helpful AI assistant.",
		MaxIterations: 10,
		Temperature:   0.7,
		MaxTokens:     4096,
		Timeout:       5 * time.Minute,
		StreamEnabled: true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentflow",
		Password:        "",
		Name:            "agentflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: "anthropic",
		APIKey:          "",
		BaseURL:         "",
		Timeout:         2 * time.Minute,
		MaxRetries:      3,
	}
}

// DefaultJWTConfig 返回默认 JWT 配置
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Secret:    "",
		Issuer:    "agentflow",
		Audience:  "agentflow-clients",
		AccessTTL: 1 * time.Hour,
	}
}

// DefaultBrowserConfig 返回默认浏览器驱动配置
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Engine:            "chromium",
		Headless:          true,
		ViewportWidth:      1280,
		ViewportHeight:     800,
		NavigationTimeout:  30 * time.Second,
		ActionTimeout:      10 * time.Second,
		MaxInstances:       10,
	}
}

// DefaultCaptchaConfig 返回默认人机验证处理配置
func DefaultCaptchaConfig() CaptchaConfig {
	return CaptchaConfig{
		SolverEnabled:         true,
		MaxAttempts:           3,
		DetectionSettleDelay:  1500 * time.Millisecond,
		EscalateAfterFailures: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentflow",
		SampleRate:   0.1,
	}
}
