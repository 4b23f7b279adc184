package config

import (
	"os"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/service"
	"github.com/zeromicro/go-zero/core/stores/cache"
)

var (
	config *Config
	once   sync.Once
)

type Mongo struct {
	URL string
	DB  string
}

// Intake 接待流程的进程级默认参数, 服务器级配置缺省时回退到这里
type Intake struct {
	RateWindowS        int      `json:",default=60"`
	RateMaxMessages    int      `json:",default=5"`
	RateCooldownS      int      `json:",default=300"`
	MinContentLength   int      `json:",default=50"`
	SessionTTLS        int      `json:",default=1800"`
	SelectionTimeoutS  int      `json:",default=300"`
	WarningDelayS      int      `json:",default=43200"`
	AutoCloseDelayS    int      `json:",default=86400"`
	ResolveCloseDelayS int      `json:",default=3600"`
	PollIntervalS      int      `json:",default=60"`
	PollBatch          int      `json:",default=50"`
	BlockedWords       []string `json:",optional"`
}

func (i Intake) RateWindow() time.Duration       { return time.Duration(i.RateWindowS) * time.Second }
func (i Intake) RateCooldown() time.Duration     { return time.Duration(i.RateCooldownS) * time.Second }
func (i Intake) SessionTTL() time.Duration       { return time.Duration(i.SessionTTLS) * time.Second }
func (i Intake) SelectionTimeout() time.Duration { return time.Duration(i.SelectionTimeoutS) * time.Second }
func (i Intake) WarningDelay() time.Duration     { return time.Duration(i.WarningDelayS) * time.Second }
func (i Intake) AutoCloseDelay() time.Duration   { return time.Duration(i.AutoCloseDelayS) * time.Second }
func (i Intake) ResolveCloseDelay() time.Duration {
	return time.Duration(i.ResolveCloseDelayS) * time.Second
}
func (i Intake) PollInterval() time.Duration { return time.Duration(i.PollIntervalS) * time.Second }

type Config struct {
	service.ServiceConf
	Cache  cache.CacheConf
	Mongo  Mongo
	Intake Intake `json:",optional"`
}

func NewConfig() (*Config, error) {
	c := new(Config)
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "etc/config.yaml"
	}
	err := conf.Load(path, c)
	if err != nil {
		return nil, err
	}
	err = c.SetUp()
	if err != nil {
		return nil, err
	}
	config = c
	return config, nil
}

func GetConfig() *Config {
	return config
}
