package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"proxyfleet/internal/shared/types"
)

// LoadIni 只加载 fleet.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.StoreConf.DSN, "FLEET_STORE_DSN")
	overrideFromEnv(&cfg.StateConf.WSPeer, "FLEET_WS_PEER")
	applyDefaults(cfg)
	return nil
}

// LoadConnectors 加载 connectors.json 数据文件。
func LoadConnectors(fileName string) ([]*types.Connector, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.Connector{}, nil
		}
		return nil, fmt.Errorf("failed to read connectors file: %w", err)
	}

	var connectors []*types.Connector
	if err := json.Unmarshal(data, &connectors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connectors.json: %w", err)
	}
	return connectors, nil
}

// SaveConnectors 将连接器配置列表保存到 connectors.json。
func SaveConnectors(fileName string, connectors []*types.Connector) error {
	data, err := json.MarshalIndent(connectors, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal connectors: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func applyDefaults(cfg *types.Config) {
	e := &cfg.EngineConf
	if e.ConnectorIntervalSeconds <= 0 {
		e.ConnectorIntervalSeconds = 10
	}
	if e.TaskIntervalSeconds <= 0 {
		e.TaskIntervalSeconds = 2
	}
	if e.HealthIntervalSeconds <= 0 {
		e.HealthIntervalSeconds = 30
	}
	if e.TaskRetryLimit <= 0 {
		e.TaskRetryLimit = 5
	}
	if e.TaskBackoffSeconds <= 0 {
		e.TaskBackoffSeconds = 15
	}
	if e.ProviderBatchCap <= 0 {
		e.ProviderBatchCap = 10
	}
	if e.MaxTaskFailures <= 0 {
		e.MaxTaskFailures = 3
	}
	if e.ErrorGraceSeconds <= 0 {
		e.ErrorGraceSeconds = 60
	}
	if cfg.StateConf.Broker == "" {
		cfg.StateConf.Broker = "memory"
	}
	if cfg.StateConf.ReplayLimit <= 0 {
		cfg.StateConf.ReplayLimit = 1024
	}
	if cfg.StoreConf.Driver == "" {
		cfg.StoreConf.Driver = "file"
	}
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
