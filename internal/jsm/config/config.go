// Package config 守护进程配置
//
// 优先级：环境变量（JSM_*）> 配置文件 > 默认值。
// 嵌套键的环境变量用下划线连接，例如 JSM_LOCK_TIMEOUT=1m。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// Address API 监听地址
	Address string `mapstructure:"address" validate:"required"`

	// DataDir 数据目录，存放 SR 记录数据库、引用计数和锁文件
	// 默认：~/.local/share/jsm
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// HostID 本机在集群中的标识
	HostID string `mapstructure:"host_id" validate:"required"`

	// Peers 其他主机的标识到 API 根地址的映射，例如 host2: http://10.0.0.2:7778
	Peers       map[string]string `mapstructure:"peers"        validate:"dive,url"`
	PeerTimeout time.Duration     `mapstructure:"peer_timeout" validate:"gt=0"`

	// UseRecordStore 为 true 时 VDI 记录同时保存在数据库中
	UseRecordStore bool `mapstructure:"use_record_store"`

	Logging  LoggingConfig  `mapstructure:"logging"`
	Lock     LockConfig     `mapstructure:"lock"`
	Coalesce CoalesceConfig `mapstructure:"coalesce"`
	Detach   DetachConfig   `mapstructure:"detach"`
	Tools    ToolsConfig    `mapstructure:"tools"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type LockConfig struct {
	// Dir 为空时使用 DataDir/lock
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type CoalesceConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type DetachConfig struct {
	Retries int           `mapstructure:"retries" validate:"gte=1"`
	Delay   time.Duration `mapstructure:"delay"   validate:"gte=0"`
}

// ToolsConfig 外部工具的路径，为空时从 PATH 查找
type ToolsConfig struct {
	VHDUtil string `mapstructure:"vhd_util"`
	QemuImg string `mapstructure:"qemu_img"`
	CBTUtil string `mapstructure:"cbt_util"`
}

// DatabasePath SR/VDI 记录数据库的路径
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "jsm.db")
}

// RefcountDir 引用计数存储的目录
func (c *Config) RefcountDir() string {
	return filepath.Join(c.DataDir, "refcount")
}

// LockDir SR 锁文件所在目录
func (c *Config) LockDir() string {
	if c.Lock.Dir != "" {
		return c.Lock.Dir
	}
	return filepath.Join(c.DataDir, "lock")
}

// New 使用默认位置的配置文件
func New() (*Config, error) {
	return Load("")
}

// Load 读取配置，configPath 为空时在默认目录查找 config.yaml，文件不存在时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	v.SetDefault("address", "0.0.0.0:7778")
	v.SetDefault("data_dir", getDataDir())
	v.SetDefault("host_id", hostname)
	v.SetDefault("peer_timeout", 30*time.Second)
	v.SetDefault("use_record_store", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("lock.dir", "")
	v.SetDefault("lock.timeout", 5*time.Minute)
	v.SetDefault("coalesce.interval", 5*time.Minute)
	v.SetDefault("detach.retries", 3)
	v.SetDefault("detach.delay", time.Second)
	v.SetDefault("tools.vhd_util", "")
	v.SetDefault("tools.qemu_img", "")
	v.SetDefault("tools.cbt_util", "")
}

// getDataDir 使用用户主目录下的 .local/share/jsm，无法获取主目录时使用当前目录下的 data
func getDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "jsm")
	}
	return filepath.Join(".", "data")
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "jsm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "jsm")
}
