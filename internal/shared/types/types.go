package types

import "time"

// ConnectorStatus 是连接器的生命周期状态。
type ConnectorStatus string

const (
	ConnectorCreated  ConnectorStatus = "CREATED"
	ConnectorStarting ConnectorStatus = "STARTING"
	ConnectorStarted  ConnectorStatus = "STARTED"
	ConnectorStopping ConnectorStatus = "STOPPING"
	ConnectorStopped  ConnectorStatus = "STOPPED"
	ConnectorError    ConnectorStatus = "ERROR"
)

type ProxyStatus string

const (
	ProxyStarting ProxyStatus = "STARTING"
	ProxyStarted  ProxyStatus = "STARTED"
	ProxyStopping ProxyStatus = "STOPPING"
	ProxyStopped  ProxyStatus = "STOPPED"
	ProxyError    ProxyStatus = "ERROR"
)

type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal tasks are immutable.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// OpClass is the operation class of a task. At most one non-terminal task
// may exist per (connector, class).
type OpClass string

const (
	OpCreate OpClass = "create"
	OpRemove OpClass = "remove"
)

// Connector is the declared configuration for one proxy source, either a
// cloud provider pool or a free-proxy list.
type Connector struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	CredentialRef string `json:"credential_ref,omitempty"`

	DesiredCount int `json:"desired_count"`

	// Per-provider parameters.
	Region    string   `json:"region,omitempty"`
	Size      string   `json:"size,omitempty"`
	Prefix    string   `json:"prefix,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	Port      int      `json:"port,omitempty"`
	Sources   []string `json:"sources,omitempty"`

	StartTimeoutSeconds int `json:"start_timeout_seconds"`
	// KickDurationSeconds 为 0 时禁用空闲淘汰。
	KickDurationSeconds int `json:"kick_duration_seconds"`
	MaxBatch            int `json:"max_batch"`

	Status    ConnectorStatus `json:"status"`
	LastError string          `json:"last_error,omitempty"`
	// TaskFailures counts consecutive failed create tasks. Reset on success.
	TaskFailures int `json:"task_failures"`
}

func (c *Connector) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}

func (c *Connector) KickDuration() time.Duration {
	return time.Duration(c.KickDurationSeconds) * time.Second
}

func (c *Connector) KickEnabled() bool {
	return c.KickDurationSeconds > 0
}

// ProxyAuth holds optional transport credentials.
type ProxyAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Proxy is one managed outbound endpoint belonging to exactly one connector.
//
// Key is the stable identity key ("host#hash") used for deduplication
// across refresh cycles and re-imports. Within one connector keys are
// unique; a proxy in a terminal stopped state is never resurrected, a new
// record is created instead.
type Proxy struct {
	ID          string `json:"id"`
	ConnectorID string `json:"connector_id"`
	Key         string `json:"key"`

	Host string     `json:"host"`
	Port int        `json:"port"`
	Type string     `json:"type"` // "http", "socks4", "socks5", ...
	Auth *ProxyAuth `json:"auth,omitempty"`

	Status          ProxyStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	StatusChangedAt time.Time   `json:"status_changed_at"`
	// LastConnectionAt is the last time the router successfully pushed
	// traffic through this proxy. Drives idle eviction ("kick").
	LastConnectionAt time.Time `json:"last_connection_at"`
	ForceRemoval     bool      `json:"force_removal"`
}

// Task is one asynchronous multi-step operation bound to a connector.
type Task struct {
	ID          string  `json:"id"`
	ConnectorID string  `json:"connector_id"`
	Op          OpClass `json:"op"`

	Status    TaskStatus        `json:"status"`
	Steps     []string          `json:"steps"`
	StepIndex int               `json:"step_index"`
	StepState map[string]string `json:"step_state,omitempty"`

	// Count is the batch size for create tasks; TargetKeys the identity
	// keys targeted by remove tasks.
	Count      int      `json:"count,omitempty"`
	TargetKeys []string `json:"target_keys,omitempty"`

	Retries       int       `json:"retries"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	// Acked marks a failed task whose outcome the reconciler has already
	// folded into the connector's failure count.
	Acked bool `json:"acked"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentStep returns the name of the step the task is on, or "" when the
// plan is exhausted.
func (t *Task) CurrentStep() string {
	if t.StepIndex < 0 || t.StepIndex >= len(t.Steps) {
		return ""
	}
	return t.Steps[t.StepIndex]
}

// Active reports whether the task still occupies its (connector, op) slot.
func (t *Task) Active() bool {
	return !t.Status.Terminal()
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Steps = append([]string(nil), t.Steps...)
	cp.TargetKeys = append([]string(nil), t.TargetKeys...)
	if t.StepState != nil {
		cp.StepState = make(map[string]string, len(t.StepState))
		for k, v := range t.StepState {
			cp.StepState[k] = v
		}
	}
	return &cp
}

// Clone returns a deep copy.
func (p *Proxy) Clone() *Proxy {
	cp := *p
	if p.Auth != nil {
		auth := *p.Auth
		cp.Auth = &auth
	}
	return &cp
}

// Clone returns a deep copy.
func (c *Connector) Clone() *Connector {
	cp := *c
	cp.Sources = append([]string(nil), c.Sources...)
	return &cp
}

// ProxyEndpoint is the read-only view handed to the routing collaborator.
type ProxyEndpoint struct {
	Key         string      `json:"key"`
	ConnectorID string      `json:"connector_id"`
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	Type        string      `json:"type"`
	Auth        *ProxyAuth  `json:"auth,omitempty"`
	Status      ProxyStatus `json:"status"`
}
