package config

import "github.com/spf13/viper"

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Collab struct {
		// 每应用 N 次更新落一次快照
		FlushPerUpdate int `mapstructure:"flushPerUpdate"`
		SendQueueSize  int `mapstructure:"sendQueueSize"`
	} `mapstructure:"collab"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetDefault("running.port", 8000)
	v.SetDefault("collab.flushPerUpdate", 5)
	v.SetDefault("collab.sendQueueSize", 64)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
