package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Rewards RewardsConfig `mapstructure:"REWARDS"`
}

// RewardsConfig carries the tunables of the points and referral services.
type RewardsConfig struct {
	ReferralCodeLength    int    `mapstructure:"REFERRAL_CODE_LENGTH"`
	ReferralExpiryDays    int    `mapstructure:"REFERRAL_EXPIRY_DAYS"`
	SignupBonusAction     string `mapstructure:"SIGNUP_BONUS_ACTION"`
	TrackerRetentionDays  int    `mapstructure:"TRACKER_RETENTION_DAYS"`
	SweepHour             int    `mapstructure:"SWEEP_HOUR"`
	SweepMinute           int    `mapstructure:"SWEEP_MINUTE"`
	LeaderboardDefaultTop int    `mapstructure:"LEADERBOARD_DEFAULT_TOP"`
}

func (r RewardsConfig) withDefaults() RewardsConfig {
	if r.ReferralCodeLength <= 0 {
		r.ReferralCodeLength = 8
	}
	if r.ReferralExpiryDays <= 0 {
		r.ReferralExpiryDays = 30
	}
	if r.SignupBonusAction == "" {
		r.SignupBonusAction = "referral_signup"
	}
	if r.TrackerRetentionDays <= 0 {
		r.TrackerRetentionDays = 7
	}
	if r.LeaderboardDefaultTop <= 0 {
		r.LeaderboardDefaultTop = 10
	}
	return r
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	cfg.Rewards = cfg.Rewards.withDefaults()

	return &cfg
}
