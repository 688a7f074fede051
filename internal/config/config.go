// internal/config/config.go
package config

import (
    "errors"
    "fmt"
    "net/url"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
    "netwatch/internal/models"
)

// ErrInvalid marks configuration that parsed but failed validation.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
    Server        ServerConfig       `yaml:"server"`
    Logging       LoggingConfig      `yaml:"logging"`
    Database      DatabaseConfig     `yaml:"database"`
    Prometheus    PrometheusConfig   `yaml:"prometheus"`
    Scheduler     SchedulerConfig    `yaml:"scheduler"`
    Poller        PollerConfig       `yaml:"poller"`
    State         StateConfig        `yaml:"state"`
    Flapping      FlappingConfig     `yaml:"flapping"`
    Alerting      AlertingConfig     `yaml:"alerting"`
    MetricsStore  MetricsStoreConfig `yaml:"metrics_store"`
    Events        EventsConfig       `yaml:"events"`
    Notifications NotificationConfig `yaml:"notifications"`
    Inventory     InventoryConfig    `yaml:"inventory"`
    Devices       []DeviceConfig     `yaml:"devices"`
    Include       IncludeConfig      `yaml:"include"`
}

type IncludeConfig struct {
    Directory string `yaml:"directory"`
    Pattern   string `yaml:"pattern"`
    Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
    Enabled      *bool         `yaml:"enabled"`
    Port         string        `yaml:"port"`
    ReadTimeout  time.Duration `yaml:"read_timeout"`
    WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IsEnabled defaults to true when the key is omitted.
func (s *ServerConfig) IsEnabled() bool {
    return s.Enabled == nil || *s.Enabled
}

type LoggingConfig struct {
    Level  string `yaml:"level"`
    Format string `yaml:"format"`
}

type DatabaseConfig struct {
    Path             string        `yaml:"path"`
    AlertRetention   time.Duration `yaml:"alert_retention"`
    CleanupInterval  time.Duration `yaml:"cleanup_interval"`
    CompactInterval  time.Duration `yaml:"compact_interval"`
    SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type PrometheusConfig struct {
    Enabled     bool   `yaml:"enabled"`
    MetricsPath string `yaml:"metrics_path"`
}

type QueueConfig struct {
    Workers  int           `yaml:"workers"`
    Capacity int           `yaml:"capacity"`
    Timeout  time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
    Tick        time.Duration `yaml:"tick"`
    Alerts      QueueConfig   `yaml:"alerts"`
    Monitoring  QueueConfig   `yaml:"monitoring"`
    SNMP        QueueConfig   `yaml:"snmp"`
    Maintenance QueueConfig   `yaml:"maintenance"`
}

type ICMPConfig struct {
    Count      int           `yaml:"count"`
    Timeout    time.Duration `yaml:"timeout"`
    Interval   time.Duration `yaml:"interval"`
    Privileged bool          `yaml:"privileged"`
}

type SNMPConfig struct {
    Interval       time.Duration `yaml:"interval"`
    Timeout        time.Duration `yaml:"timeout"`
    Retries        int           `yaml:"retries"`
    MaxRepetitions uint32        `yaml:"max_repetitions"`
}

type IntervalConfig struct {
    Flapping    time.Duration `yaml:"flapping"`
    Default     time.Duration `yaml:"default"`
    Stable      time.Duration `yaml:"stable"`
    StableAfter time.Duration `yaml:"stable_after"`
}

type PollerConfig struct {
    Tick         time.Duration  `yaml:"tick"`
    ProbeTimeout time.Duration  `yaml:"probe_timeout"`
    BatchSize    int            `yaml:"batch_size"`
    Concurrency  int            `yaml:"concurrency"`
    MaxInFlight  int            `yaml:"max_in_flight"`
    ICMP         ICMPConfig     `yaml:"icmp"`
    SNMP         SNMPConfig     `yaml:"snmp"`
    Intervals    IntervalConfig `yaml:"intervals"`
}

type StateConfig struct {
    DownAfter      int           `yaml:"down_after"`
    Window         time.Duration `yaml:"window"`
    WindowCapacity int           `yaml:"window_capacity"`
}

// Flap policies.
const (
    FlapPolicySingleAlert = "single_alert"
    FlapPolicySuppress    = "suppress"
)

type FlappingConfig struct {
    Threshold int           `yaml:"threshold"`
    Cooldown  time.Duration `yaml:"cooldown"`
    Policy    string        `yaml:"policy"`
    // Settle holds new alerts for a device whose status changed within
    // this long while its window counts oscillations. Negative disables.
    Settle    time.Duration `yaml:"settle"`
}

type AlertingConfig struct {
    Interval           time.Duration      `yaml:"interval"`
    DeviceDownSeverity string             `yaml:"device_down_severity"`
    Rules              []models.AlertRule `yaml:"rules"`
    RulesFile          string             `yaml:"rules_file"`
    WatchRules         bool               `yaml:"watch_rules"`

    // FileRules holds the rules read from RulesFile.
    FileRules []models.AlertRule `yaml:"-"`
}

// AllRules returns configured rules followed by rules-file rules.
func (a *AlertingConfig) AllRules() []models.AlertRule {
    all := make([]models.AlertRule, 0, len(a.Rules)+len(a.FileRules))
    all = append(all, a.Rules...)
    return append(all, a.FileRules...)
}

// Metrics store backends.
const (
    BackendBolt      = "bolt"
    BackendTimescale = "timescale"
    BackendNone      = "none"
)

type MetricsStoreConfig struct {
    Backend         string        `yaml:"backend"`
    Path            string        `yaml:"path"`
    DSN             string        `yaml:"dsn"`
    BatchSize       int           `yaml:"batch_size"`
    FlushInterval   time.Duration `yaml:"flush_interval"`
    MaxBuffered     int           `yaml:"max_buffered"`
    RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
    Retention       time.Duration `yaml:"retention"`
    CacheTTL        time.Duration `yaml:"cache_ttl"`
    CacheMaxCost    int64         `yaml:"cache_max_cost"`
}

type NATSConfig struct {
    Enabled       bool   `yaml:"enabled"`
    URL           string `yaml:"url"`
    SubjectPrefix string `yaml:"subject_prefix"`
    Name          string `yaml:"name"`
}

type EventsConfig struct {
    BufferSize int        `yaml:"buffer_size"`
    NATS       NATSConfig `yaml:"nats"`
}

type InventoryConfig struct {
    File            string        `yaml:"file"`
    RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type DeviceConfig struct {
    ID         string                  `yaml:"id"`
    Name       string                  `yaml:"name"`
    Address    string                  `yaml:"address"`
    Enabled    *bool                   `yaml:"enabled"`
    Group      string                  `yaml:"group"`
    Tags       map[string]string       `yaml:"tags"`
    Probe      string                  `yaml:"probe"`
    SNMP       *models.SNMPCredentials `yaml:"snmp"`
    Interfaces []models.InterfaceMeta  `yaml:"interfaces"`
}

// IsEnabled defaults to true when the key is omitted.
func (d *DeviceConfig) IsEnabled() bool {
    return d.Enabled == nil || *d.Enabled
}

// ToDevice converts the configured entry into an inventory device.
func (d *DeviceConfig) ToDevice() models.Device {
    name := d.Name
    if name == "" {
        name = d.ID
    }
    probe := models.ProbeKind(strings.ToLower(d.Probe))
    if probe == "" {
        probe = models.ProbeICMP
    }
    return models.Device{
        ID:         d.ID,
        Name:       name,
        Address:    d.Address,
        Enabled:    d.IsEnabled(),
        Group:      d.Group,
        Tags:       d.Tags,
        Probe:      probe,
        SNMP:       d.SNMP,
        Interfaces: d.Interfaces,
    }
}

// PartialConfig represents a partial configuration that can be merged
type PartialConfig struct {
    Server        *ServerConfig       `yaml:"server,omitempty"`
    Logging       *LoggingConfig      `yaml:"logging,omitempty"`
    Database      *DatabaseConfig     `yaml:"database,omitempty"`
    Scheduler     *SchedulerConfig    `yaml:"scheduler,omitempty"`
    Poller        *PollerConfig       `yaml:"poller,omitempty"`
    Notifications *NotificationConfig `yaml:"notifications,omitempty"`
    Devices       []DeviceConfig      `yaml:"devices,omitempty"`
    Rules         []models.AlertRule  `yaml:"rules,omitempty"`
}

func Load(filename string) (*Config, error) {
    config, err := loadConfigFile(filename)
    if err != nil {
        return nil, fmt.Errorf("failed to load main config file: %w", err)
    }

    if config.Include.Enabled && config.Include.Directory != "" {
        if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
            return nil, fmt.Errorf("failed to load includes: %w", err)
        }
    }

    // Relative rule and inventory files follow the main config file
    baseDir := filepath.Dir(filename)
    config.Alerting.RulesFile = resolvePath(baseDir, config.Alerting.RulesFile)
    config.Inventory.File = resolvePath(baseDir, config.Inventory.File)

    if config.Alerting.RulesFile != "" {
        rules, err := LoadRules(config.Alerting.RulesFile)
        if err != nil {
            return nil, fmt.Errorf("failed to load rules file: %w", err)
        }
        config.Alerting.FileRules = rules
    }

    SetDefaults(config)

    if err := validate(config); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return config, nil
}

// Parse builds a configuration from YAML without touching the filesystem.
func Parse(data []byte) (*Config, error) {
    var config Config
    if err := yaml.Unmarshal(data, &config); err != nil {
        return nil, fmt.Errorf("failed to parse YAML: %w", err)
    }
    SetDefaults(&config)
    if err := validate(&config); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }
    return &config, nil
}

func loadConfigFile(filename string) (*Config, error) {
    data, err := os.ReadFile(filename)
    if err != nil {
        return nil, fmt.Errorf("failed to read config file: %w", err)
    }

    var config Config
    if err := yaml.Unmarshal(data, &config); err != nil {
        return nil, fmt.Errorf("failed to parse YAML: %w", err)
    }

    return &config, nil
}

func resolvePath(baseDir, path string) string {
    if path == "" || filepath.IsAbs(path) {
        return path
    }
    return filepath.Join(baseDir, path)
}

func loadIncludes(config *Config, baseDir string) error {
    includeDir := resolvePath(baseDir, config.Include.Directory)

    if _, err := os.Stat(includeDir); os.IsNotExist(err) {
        return fmt.Errorf("include directory does not exist: %s", includeDir)
    }

    pattern := config.Include.Pattern
    if pattern == "" {
        pattern = "*.yaml"
    }

    matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
    if err != nil {
        return fmt.Errorf("failed to glob include pattern: %w", err)
    }

    if pattern == "*.yaml" {
        ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
        if err != nil {
            return fmt.Errorf("failed to glob .yml files: %w", err)
        }
        matches = append(matches, ymlMatches...)
    }

    sort.Slice(matches, func(i, j int) bool {
        return filepath.Base(matches[i]) < filepath.Base(matches[j])
    })

    for _, match := range matches {
        if err := loadAndMergeInclude(config, match); err != nil {
            return fmt.Errorf("failed to load include file %s: %w", match, err)
        }
    }

    return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
    data, err := os.ReadFile(filename)
    if err != nil {
        return fmt.Errorf("failed to read include file: %w", err)
    }

    var partial PartialConfig
    if err := yaml.Unmarshal(data, &partial); err != nil {
        return fmt.Errorf("failed to parse include file YAML: %w", err)
    }

    mergePartialConfig(config, &partial)

    return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
    // Devices and rules append, everything else overrides
    if len(partial.Devices) > 0 {
        config.Devices = append(config.Devices, partial.Devices...)
    }
    if len(partial.Rules) > 0 {
        mergeRules(config, partial.Rules)
    }

    if partial.Server != nil {
        mergeServerConfig(&config.Server, partial.Server)
    }
    if partial.Logging != nil {
        mergeLoggingConfig(&config.Logging, partial.Logging)
    }
    if partial.Database != nil {
        mergeDatabaseConfig(&config.Database, partial.Database)
    }
    if partial.Scheduler != nil {
        mergeSchedulerConfig(&config.Scheduler, partial.Scheduler)
    }
    if partial.Poller != nil {
        mergePollerConfig(&config.Poller, partial.Poller)
    }
    if partial.Notifications != nil {
        mergeNotificationConfig(&config.Notifications, partial.Notifications)
    }
}

// mergeRules replaces rules with a matching id and appends the rest.
func mergeRules(config *Config, rules []models.AlertRule) {
    existing := make(map[string]int)
    for i, rule := range config.Alerting.Rules {
        existing[rule.ID] = i
    }
    for _, rule := range rules {
        if i, ok := existing[rule.ID]; ok {
            config.Alerting.Rules[i] = rule
            continue
        }
        config.Alerting.Rules = append(config.Alerting.Rules, rule)
        existing[rule.ID] = len(config.Alerting.Rules) - 1
    }
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
    if partial.Enabled != nil {
        main.Enabled = partial.Enabled
    }
    if partial.Port != "" {
        main.Port = partial.Port
    }
    if partial.ReadTimeout != 0 {
        main.ReadTimeout = partial.ReadTimeout
    }
    if partial.WriteTimeout != 0 {
        main.WriteTimeout = partial.WriteTimeout
    }
}

func mergeLoggingConfig(main *LoggingConfig, partial *LoggingConfig) {
    if partial.Level != "" {
        main.Level = partial.Level
    }
    if partial.Format != "" {
        main.Format = partial.Format
    }
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
    if partial.Path != "" {
        main.Path = partial.Path
    }
    if partial.AlertRetention != 0 {
        main.AlertRetention = partial.AlertRetention
    }
    if partial.CleanupInterval != 0 {
        main.CleanupInterval = partial.CleanupInterval
    }
    if partial.CompactInterval != 0 {
        main.CompactInterval = partial.CompactInterval
    }
    if partial.SnapshotInterval != 0 {
        main.SnapshotInterval = partial.SnapshotInterval
    }
}

func mergeQueueConfig(main *QueueConfig, partial *QueueConfig) {
    if partial.Workers != 0 {
        main.Workers = partial.Workers
    }
    if partial.Capacity != 0 {
        main.Capacity = partial.Capacity
    }
    if partial.Timeout != 0 {
        main.Timeout = partial.Timeout
    }
}

func mergeSchedulerConfig(main *SchedulerConfig, partial *SchedulerConfig) {
    if partial.Tick != 0 {
        main.Tick = partial.Tick
    }
    mergeQueueConfig(&main.Alerts, &partial.Alerts)
    mergeQueueConfig(&main.Monitoring, &partial.Monitoring)
    mergeQueueConfig(&main.SNMP, &partial.SNMP)
    mergeQueueConfig(&main.Maintenance, &partial.Maintenance)
}

func mergePollerConfig(main *PollerConfig, partial *PollerConfig) {
    if partial.Tick != 0 {
        main.Tick = partial.Tick
    }
    if partial.ProbeTimeout != 0 {
        main.ProbeTimeout = partial.ProbeTimeout
    }
    if partial.BatchSize != 0 {
        main.BatchSize = partial.BatchSize
    }
    if partial.Concurrency != 0 {
        main.Concurrency = partial.Concurrency
    }
    if partial.MaxInFlight != 0 {
        main.MaxInFlight = partial.MaxInFlight
    }
    if partial.ICMP.Count != 0 {
        main.ICMP.Count = partial.ICMP.Count
    }
    if partial.ICMP.Timeout != 0 {
        main.ICMP.Timeout = partial.ICMP.Timeout
    }
    if partial.ICMP.Interval != 0 {
        main.ICMP.Interval = partial.ICMP.Interval
    }
    main.ICMP.Privileged = main.ICMP.Privileged || partial.ICMP.Privileged
    if partial.SNMP.Interval != 0 {
        main.SNMP.Interval = partial.SNMP.Interval
    }
    if partial.SNMP.Timeout != 0 {
        main.SNMP.Timeout = partial.SNMP.Timeout
    }
    if partial.Intervals.Flapping != 0 {
        main.Intervals.Flapping = partial.Intervals.Flapping
    }
    if partial.Intervals.Default != 0 {
        main.Intervals.Default = partial.Intervals.Default
    }
    if partial.Intervals.Stable != 0 {
        main.Intervals.Stable = partial.Intervals.Stable
    }
    if partial.Intervals.StableAfter != 0 {
        main.Intervals.StableAfter = partial.Intervals.StableAfter
    }
}

func setQueueDefaults(q *QueueConfig, workers, capacity int, timeout time.Duration) {
    if q.Workers == 0 {
        q.Workers = workers
    }
    if q.Capacity == 0 {
        q.Capacity = capacity
    }
    if q.Timeout == 0 {
        q.Timeout = timeout
    }
}

// SetDefaults fills every zero-valued setting.
func SetDefaults(cfg *Config) {
    // Server defaults
    if cfg.Server.Port == "" {
        cfg.Server.Port = ":8000"
    }
    if cfg.Server.ReadTimeout == 0 {
        cfg.Server.ReadTimeout = 15 * time.Second
    }
    if cfg.Server.WriteTimeout == 0 {
        cfg.Server.WriteTimeout = 30 * time.Second
    }

    // Logging defaults
    if cfg.Logging.Level == "" {
        cfg.Logging.Level = "info"
    }
    if cfg.Logging.Format == "" {
        cfg.Logging.Format = "text"
    }

    // Database defaults
    if cfg.Database.Path == "" {
        cfg.Database.Path = "./data/netwatch.db"
    }
    if cfg.Database.AlertRetention == 0 {
        cfg.Database.AlertRetention = 30 * 24 * time.Hour
    }
    if cfg.Database.CleanupInterval == 0 {
        cfg.Database.CleanupInterval = 24 * time.Hour
    }
    if cfg.Database.CompactInterval == 0 {
        cfg.Database.CompactInterval = 7 * 24 * time.Hour
    }
    if cfg.Database.SnapshotInterval == 0 {
        cfg.Database.SnapshotInterval = time.Minute
    }

    if cfg.Prometheus.MetricsPath == "" {
        cfg.Prometheus.MetricsPath = "/metrics"
    }

    if cfg.Include.Pattern == "" {
        cfg.Include.Pattern = "*.yaml"
    }

    // Scheduler defaults
    if cfg.Scheduler.Tick == 0 {
        cfg.Scheduler.Tick = time.Second
    }
    setQueueDefaults(&cfg.Scheduler.Alerts, 4, 1000, 20*time.Second)
    setQueueDefaults(&cfg.Scheduler.Monitoring, 50, 100000, 30*time.Second)
    setQueueDefaults(&cfg.Scheduler.SNMP, 30, 20000, 60*time.Second)
    setQueueDefaults(&cfg.Scheduler.Maintenance, 2, 100, 30*time.Minute)

    // Poller defaults
    if cfg.Poller.Tick == 0 {
        cfg.Poller.Tick = 10 * time.Second
    }
    if cfg.Poller.ProbeTimeout == 0 {
        cfg.Poller.ProbeTimeout = 3 * time.Second
    }
    if cfg.Poller.BatchSize == 0 {
        cfg.Poller.BatchSize = 100
    }
    if cfg.Poller.Concurrency == 0 {
        cfg.Poller.Concurrency = 10
    }
    if cfg.Poller.MaxInFlight == 0 {
        cfg.Poller.MaxInFlight = 500
    }
    if cfg.Poller.ICMP.Count == 0 {
        cfg.Poller.ICMP.Count = 2
    }
    if cfg.Poller.ICMP.Timeout == 0 {
        cfg.Poller.ICMP.Timeout = time.Second
    }
    if cfg.Poller.ICMP.Interval == 0 {
        cfg.Poller.ICMP.Interval = 100 * time.Millisecond
    }
    if cfg.Poller.SNMP.Interval == 0 {
        cfg.Poller.SNMP.Interval = time.Minute
    }
    if cfg.Poller.SNMP.Timeout == 0 {
        cfg.Poller.SNMP.Timeout = 2 * time.Second
    }
    if cfg.Poller.SNMP.MaxRepetitions == 0 {
        cfg.Poller.SNMP.MaxRepetitions = 25
    }
    if cfg.Poller.Intervals.Flapping == 0 {
        cfg.Poller.Intervals.Flapping = 10 * time.Second
    }
    if cfg.Poller.Intervals.Default == 0 {
        cfg.Poller.Intervals.Default = time.Minute
    }
    if cfg.Poller.Intervals.Stable == 0 {
        cfg.Poller.Intervals.Stable = 5 * time.Minute
    }
    if cfg.Poller.Intervals.StableAfter == 0 {
        cfg.Poller.Intervals.StableAfter = time.Hour
    }

    // State machine defaults
    if cfg.State.DownAfter == 0 {
        cfg.State.DownAfter = 1
    }
    if cfg.State.Window == 0 {
        cfg.State.Window = 5 * time.Minute
    }
    if cfg.State.WindowCapacity == 0 {
        cfg.State.WindowCapacity = 64
    }

    // Flapping defaults
    if cfg.Flapping.Threshold == 0 {
        cfg.Flapping.Threshold = 3
    }
    if cfg.Flapping.Cooldown == 0 {
        cfg.Flapping.Cooldown = 10 * time.Minute
    }
    if cfg.Flapping.Policy == "" {
        cfg.Flapping.Policy = FlapPolicySingleAlert
    }
    if cfg.Flapping.Settle == 0 {
        cfg.Flapping.Settle = 90 * time.Second
    }

    // Alerting defaults
    if cfg.Alerting.Interval == 0 {
        cfg.Alerting.Interval = 30 * time.Second
    }
    if cfg.Alerting.DeviceDownSeverity == "" {
        cfg.Alerting.DeviceDownSeverity = models.SeverityCritical.String()
    }
    setRuleDefaults(cfg.Alerting.Rules)

    // Metrics store defaults
    if cfg.MetricsStore.Backend == "" {
        cfg.MetricsStore.Backend = BackendBolt
    }
    if cfg.MetricsStore.Path == "" {
        cfg.MetricsStore.Path = "./data/metrics.db"
    }
    if cfg.MetricsStore.BatchSize == 0 {
        cfg.MetricsStore.BatchSize = 500
    }
    if cfg.MetricsStore.FlushInterval == 0 {
        cfg.MetricsStore.FlushInterval = 5 * time.Second
    }
    if cfg.MetricsStore.MaxBuffered == 0 {
        cfg.MetricsStore.MaxBuffered = 50000
    }
    if cfg.MetricsStore.RetryMaxElapsed == 0 {
        cfg.MetricsStore.RetryMaxElapsed = 30 * time.Second
    }
    if cfg.MetricsStore.Retention == 0 {
        cfg.MetricsStore.Retention = 90 * 24 * time.Hour
    }
    if cfg.MetricsStore.CacheTTL == 0 {
        cfg.MetricsStore.CacheTTL = 5 * time.Minute
    }
    if cfg.MetricsStore.CacheMaxCost == 0 {
        cfg.MetricsStore.CacheMaxCost = 64 << 20
    }

    // Events defaults
    if cfg.Events.BufferSize == 0 {
        cfg.Events.BufferSize = 1024
    }
    if cfg.Events.NATS.SubjectPrefix == "" {
        cfg.Events.NATS.SubjectPrefix = "netwatch.events"
    }
    if cfg.Events.NATS.Name == "" {
        cfg.Events.NATS.Name = "netwatch"
    }

    if cfg.Inventory.RefreshInterval == 0 {
        cfg.Inventory.RefreshInterval = 5 * time.Minute
    }

    setNotificationDefaults(&cfg.Notifications)
}

func invalidf(format string, args ...interface{}) error {
    return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validateQueue(name string, q QueueConfig) error {
    if q.Workers < 1 {
        return invalidf("scheduler.%s.workers must be at least 1", name)
    }
    if q.Capacity < 1 {
        return invalidf("scheduler.%s.capacity must be at least 1", name)
    }
    if q.Timeout <= 0 {
        return invalidf("scheduler.%s.timeout must be positive", name)
    }
    return nil
}

func validate(cfg *Config) error {
    if _, err := parseLevel(cfg.Logging.Level); err != nil {
        return invalidf("logging.level: %v", err)
    }
    if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
        return invalidf("logging.format must be text or json")
    }

    if cfg.Scheduler.Tick <= 0 {
        return invalidf("scheduler.tick must be positive")
    }
    queues := []struct {
        name string
        cfg  QueueConfig
    }{
        {"alerts", cfg.Scheduler.Alerts},
        {"monitoring", cfg.Scheduler.Monitoring},
        {"snmp", cfg.Scheduler.SNMP},
        {"maintenance", cfg.Scheduler.Maintenance},
    }
    for _, q := range queues {
        if err := validateQueue(q.name, q.cfg); err != nil {
            return err
        }
    }

    if cfg.Poller.ICMP.Count < 1 {
        return invalidf("poller.icmp.count must be at least 1")
    }
    if cfg.Poller.ICMP.Timeout <= 0 || cfg.Poller.ProbeTimeout <= 0 {
        return invalidf("poller timeouts must be positive")
    }
    if cfg.Poller.BatchSize < 1 {
        return invalidf("poller.batch_size must be at least 1")
    }
    if cfg.Poller.Concurrency < 1 || cfg.Poller.MaxInFlight < cfg.Poller.Concurrency {
        return invalidf("poller.max_in_flight must be at least poller.concurrency, which must be at least 1")
    }
    // a batch must fit its queue timeout even when every probe times out
    budget := BatchBudget(cfg.Poller)
    for _, q := range queues[1:3] {
        if q.cfg.Timeout < budget {
            return invalidf("scheduler.%s.timeout %s is shorter than a poll batch (%s)", q.name, q.cfg.Timeout, budget)
        }
    }
    iv := cfg.Poller.Intervals
    if iv.Flapping > iv.Default || iv.Default > iv.Stable {
        return invalidf("poller.intervals must satisfy flapping <= default <= stable")
    }

    if cfg.State.DownAfter < 1 {
        return invalidf("state.down_after must be at least 1")
    }
    if cfg.State.Window <= 0 || cfg.State.WindowCapacity < 1 {
        return invalidf("state.window and state.window_capacity must be positive")
    }

    if cfg.Flapping.Threshold < 2 {
        return invalidf("flapping.threshold must be at least 2")
    }
    if cfg.Flapping.Cooldown <= 0 {
        return invalidf("flapping.cooldown must be positive")
    }
    if cfg.Flapping.Policy != FlapPolicySingleAlert && cfg.Flapping.Policy != FlapPolicySuppress {
        return invalidf("flapping.policy must be %s or %s", FlapPolicySingleAlert, FlapPolicySuppress)
    }

    if cfg.Alerting.Interval <= 0 {
        return invalidf("alerting.interval must be positive")
    }
    if _, err := models.ParseSeverity(cfg.Alerting.DeviceDownSeverity); err != nil {
        return invalidf("alerting.device_down_severity: %v", err)
    }
    if err := ValidateRules(cfg.Alerting.AllRules()); err != nil {
        return err
    }

    switch cfg.MetricsStore.Backend {
    case BackendBolt, BackendNone:
    case BackendTimescale:
        if cfg.MetricsStore.DSN == "" {
            return invalidf("metrics_store.dsn is required for the timescale backend")
        }
    default:
        return invalidf("unknown metrics_store.backend %q", cfg.MetricsStore.Backend)
    }
    if cfg.MetricsStore.BatchSize < 1 || cfg.MetricsStore.MaxBuffered < cfg.MetricsStore.BatchSize {
        return invalidf("metrics_store.max_buffered must be at least batch_size")
    }

    if cfg.Events.NATS.Enabled {
        if _, err := url.Parse(cfg.Events.NATS.URL); err != nil || cfg.Events.NATS.URL == "" {
            return invalidf("events.nats.url must be a valid URL")
        }
    }

    if err := cfg.Notifications.Validate(); err != nil {
        return invalidf("notifications: %v", err)
    }

    if cfg.Include.Enabled {
        if cfg.Include.Directory == "" {
            return invalidf("include.directory must be specified when include.enabled is true")
        }
        if !isValidGlobPattern(cfg.Include.Pattern) {
            return invalidf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
        }
    }

    return ValidateDevices(cfg.Devices)
}

// BatchBudget is the longest a poll batch can take when every probe runs
// to its timeout.
func BatchBudget(p PollerConfig) time.Duration {
    if p.Concurrency < 1 {
        return 0
    }
    rounds := (p.BatchSize + p.Concurrency - 1) / p.Concurrency
    return time.Duration(rounds) * p.ProbeTimeout
}

// ValidateDevices checks ids, addresses and probe settings.
func ValidateDevices(devices []DeviceConfig) error {
    seen := make(map[string]bool)
    for _, device := range devices {
        if device.ID == "" {
            return invalidf("device with address %q has no id", device.Address)
        }
        if seen[device.ID] {
            return invalidf("duplicate device ID: %s", device.ID)
        }
        seen[device.ID] = true

        if device.Address == "" {
            return invalidf("device '%s' has no address", device.ID)
        }
        switch models.ProbeKind(strings.ToLower(device.Probe)) {
        case "", models.ProbeICMP:
        case models.ProbeSNMP:
            if device.SNMP == nil {
                return invalidf("device '%s' uses snmp probing without snmp credentials", device.ID)
            }
        default:
            return invalidf("device '%s' has unknown probe %q", device.ID, device.Probe)
        }
        if device.SNMP != nil {
            switch device.SNMP.Version {
            case "", "2c", "3":
            default:
                return invalidf("device '%s' snmp.version must be 2c or 3", device.ID)
            }
            if device.SNMP.Version == "3" && device.SNMP.Username == "" {
                return invalidf("device '%s' snmp v3 requires a username", device.ID)
            }
        }
    }
    return nil
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
    if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
        return false
    }
    _, err := filepath.Match(pattern, "test.yaml")
    return err == nil
}
