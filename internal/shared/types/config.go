package types

import "time"

// Config 是 fleet.ini 行为配置文件的映射结构。
type Config struct {
	LogConf    LogConf    `ini:"log"`
	EngineConf EngineConf `ini:"engine"`
	StateConf  StateConf  `ini:"state"`
	StoreConf  StoreConf  `ini:"store"`
	WebConf    WebConf    `ini:"web"`
}

type LogConf struct {
	Level string `ini:"level"`
}

type EngineConf struct {
	ConnectorIntervalSeconds int `ini:"connector_interval_seconds"`
	TaskIntervalSeconds      int `ini:"task_interval_seconds"`
	HealthIntervalSeconds    int `ini:"health_interval_seconds"`

	TaskRetryLimit     int `ini:"task_retry_limit"`
	TaskBackoffSeconds int `ini:"task_backoff_seconds"`
	ProviderBatchCap   int `ini:"provider_batch_cap"`
	MaxTaskFailures    int `ini:"max_task_failures"`
	ErrorGraceSeconds  int `ini:"error_grace_seconds"`
}

func (c EngineConf) ConnectorInterval() time.Duration {
	return time.Duration(c.ConnectorIntervalSeconds) * time.Second
}

func (c EngineConf) TaskInterval() time.Duration {
	return time.Duration(c.TaskIntervalSeconds) * time.Second
}

func (c EngineConf) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c EngineConf) TaskBackoff() time.Duration {
	return time.Duration(c.TaskBackoffSeconds) * time.Second
}

func (c EngineConf) ErrorGrace() time.Duration {
	return time.Duration(c.ErrorGraceSeconds) * time.Second
}

type StateConf struct {
	// Writer marks this instance as the elected single writer.
	Writer bool `ini:"writer"`
	// Broker selects the broker backend: "memory" or "ws".
	Broker      string `ini:"broker"`
	WSListen    string `ini:"ws_listen"`
	WSPeer      string `ini:"ws_peer"`
	ReplayLimit int    `ini:"replay_limit"`
}

type StoreConf struct {
	// Driver selects the storage backend: "file" or "postgres".
	Driver string `ini:"driver"`
	Dir    string `ini:"dir"`
	DSN    string `ini:"dsn"`
}

type WebConf struct {
	Listen string `ini:"listen"`
}
