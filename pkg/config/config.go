package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	once   sync.Once
	config *Config
)

// Config 全局配置结构
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	BaaS     BaaSConfig     `mapstructure:"baas"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Access   AccessConfig   `mapstructure:"access"`
	Menu     MenuConfig     `mapstructure:"menu"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      LogConfig      `mapstructure:"log"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	// SessionSweep 过期会话清理间隔
	SessionSweep time.Duration `mapstructure:"sessionSweep"`
	// AllowOrigins 跨域白名单，为空时回显请求来源
	AllowOrigins []string `mapstructure:"allowOrigins"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// Addr 监听地址
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// 后端模式
const (
	BackendBaaS  = "baas"  // 托管的 Supabase 兼容服务
	BackendStore = "store" // 自建数据库 + casbin
)

// BackendConfig 后端配置
type BackendConfig struct {
	Mode string `mapstructure:"mode"`
	// Seed 自建模式下首次启动写入的超级管理员
	SeedAdminEmail    string `mapstructure:"seedAdminEmail"`
	SeedAdminPassword string `mapstructure:"seedAdminPassword"`
}

// BaaSConfig Supabase 兼容服务配置
type BaaSConfig struct {
	URL     string        `mapstructure:"url"`
	AnonKey string        `mapstructure:"anonKey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Charset      string `mapstructure:"charset"`
	MaxIdleConns int    `mapstructure:"maxIdleConns"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
	LogLevel     string `mapstructure:"logLevel"`
}

// DSN 生成数据库连接字符串
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.Username, c.Password, c.Database)
	case "sqlite":
		if c.Database == "" {
			return ":memory:"
		}
		return c.Database
	default:
		return ""
	}
}

// PostgresURL pgx 使用的连接串
func (c *DatabaseConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
	Mode     string `mapstructure:"mode"` // "standalone" 外部 Redis, "memory" 内存模式
}

// Addr 获取Redis地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// 实时通道驱动
const (
	RealtimePhoenix  = "phoenix"
	RealtimeRedis    = "redis"
	RealtimePostgres = "postgres"
	RealtimeNone     = "none"
)

// RealtimeConfig 实时失效通道配置
type RealtimeConfig struct {
	Driver         string        `mapstructure:"driver"`
	Channel        string        `mapstructure:"channel"`
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	JoinTimeout    time.Duration `mapstructure:"joinTimeout"`
}

// AccessConfig 权限缓存配置
type AccessConfig struct {
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
}

// MenuConfig 菜单配置
type MenuConfig struct {
	SectionsFile string `mapstructure:"sectionsFile"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
	Expire int64  `mapstructure:"expire"`
}

// RegistryConfig 服务注册配置
type RegistryConfig struct {
	Kind string `mapstructure:"kind"` // memory | redis
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAge     int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		config, err = Load(configPath)
	})
	return err
}

// Load 加载配置文件，不写入全局实例
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 加载环境特定配置
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = v.GetString("app.env")
	}

	if env != "" && env != "default" && configPath == "" {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		if err := v.MergeInConfig(); err != nil {
			// 环境配置文件不存在不报错
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to merge env config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveEnvVars(cfg)

	return cfg, nil
}

// setDefaults 默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cmsadmin-gateway")
	v.SetDefault("server.http.host", "0.0.0.0")
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.sessionSweep", time.Minute)
	v.SetDefault("backend.mode", BackendBaaS)
	v.SetDefault("baas.timeout", 10*time.Second)
	v.SetDefault("redis.mode", "memory")
	v.SetDefault("realtime.driver", RealtimePhoenix)
	v.SetDefault("realtime.channel", "permissions-sync")
	v.SetDefault("realtime.reconnectDelay", 5*time.Second)
	v.SetDefault("realtime.heartbeat", 30*time.Second)
	v.SetDefault("realtime.joinTimeout", 10*time.Second)
	v.SetDefault("access.cacheTTL", 30*time.Second)
	v.SetDefault("jwt.issuer", "cmsadmin")
	v.SetDefault("jwt.expire", 3600)
	v.SetDefault("registry.kind", "memory")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "console")
}

// resolveEnvVars 解析环境变量占位符
func resolveEnvVars(cfg *Config) {
	cfg.BaaS.URL = resolveEnvVar(cfg.BaaS.URL)
	cfg.BaaS.AnonKey = resolveEnvVar(cfg.BaaS.AnonKey)
	cfg.Database.Host = resolveEnvVar(cfg.Database.Host)
	cfg.Database.Username = resolveEnvVar(cfg.Database.Username)
	cfg.Database.Password = resolveEnvVar(cfg.Database.Password)
	cfg.Database.Database = resolveEnvVar(cfg.Database.Database)
	cfg.Redis.Host = resolveEnvVar(cfg.Redis.Host)
	cfg.Redis.Password = resolveEnvVar(cfg.Redis.Password)
	cfg.JWT.Secret = resolveEnvVar(cfg.JWT.Secret)
	cfg.Backend.SeedAdminPassword = resolveEnvVar(cfg.Backend.SeedAdminPassword)
}

// resolveEnvVar 解析单个环境变量
func resolveEnvVar(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envKey := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
		if envValue := os.Getenv(envKey); envValue != "" {
			return envValue
		}
	}
	return value
}

// Get 获取配置实例
func Get() *Config {
	if config == nil {
		panic("config not initialized, call Init first")
	}
	return config
}

// GetRealtime 获取实时通道配置
func GetRealtime() *RealtimeConfig {
	return &Get().Realtime
}

// GetAccess 获取权限缓存配置
func GetAccess() *AccessConfig {
	return &Get().Access
}

// GetLog 获取日志配置
func GetLog() *LogConfig {
	return &Get().Log
}

// IsDev 是否为开发环境
func IsDev() bool {
	return Get().App.Env == "dev" || Get().App.Env == "development"
}
