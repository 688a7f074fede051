// internal/config/rules.go
package config

import (
    "fmt"
    "os"
    "path/filepath"
    "sync"
    "text/template"
    "time"

    "github.com/fsnotify/fsnotify"
    "github.com/sirupsen/logrus"
    "gopkg.in/yaml.v3"
    "netwatch/internal/models"
)

type rulesFile struct {
    Rules []models.AlertRule `yaml:"rules"`
}

// LoadRules reads a standalone rules file. Defaults are applied and the
// result is validated.
func LoadRules(path string) ([]models.AlertRule, error) {
    data, err := os.ReadFile(path)
    if err != nil {
        return nil, fmt.Errorf("failed to read rules file: %w", err)
    }

    var file rulesFile
    if err := yaml.Unmarshal(data, &file); err != nil {
        return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
    }

    setRuleDefaults(file.Rules)
    if err := ValidateRules(file.Rules); err != nil {
        return nil, err
    }
    return file.Rules, nil
}

func setRuleDefaults(rules []models.AlertRule) {
    for i := range rules {
        rule := &rules[i]
        if rule.Severity == 0 {
            rule.Severity = models.SeverityMedium
        }
        if rule.Aggregate == "" {
            rule.Aggregate = models.AggregateLast
        }
        if rule.Name == "" {
            rule.Name = rule.ID
        }
    }
}

func parseMessageTemplate(text string) (*template.Template, error) {
    return template.New("message").Parse(text)
}

// ValidateRules checks every rule and rejects duplicate ids.
func ValidateRules(rules []models.AlertRule) error {
    seen := make(map[string]bool)
    for _, rule := range rules {
        if rule.ID == "" {
            return invalidf("rule %q has no id", rule.Name)
        }
        if seen[rule.ID] {
            return invalidf("duplicate rule ID: %s", rule.ID)
        }
        seen[rule.ID] = true

        if rule.EffectiveClass() == models.ClassDeviceFlapping {
            return invalidf("rule '%s' uses the reserved class %s", rule.ID, models.ClassDeviceFlapping)
        }
        if !models.KnownMetric(rule.Metric) {
            return invalidf("rule '%s' has unknown metric %q", rule.ID, rule.Metric)
        }
        if !rule.Operator.Valid() {
            return invalidf("rule '%s' has invalid operator %q", rule.ID, rule.Operator)
        }
        if !rule.Severity.Valid() {
            return invalidf("rule '%s' has invalid severity", rule.ID)
        }
        if rule.For < 0 {
            return invalidf("rule '%s' has negative duration", rule.ID)
        }
        switch rule.Aggregate {
        case "", models.AggregateLast:
        case models.AggregateAvg, models.AggregateMin, models.AggregateMax:
            if !models.RecordedMetric(rule.Metric) {
                return invalidf("rule '%s' cannot aggregate metric %s", rule.ID, rule.Metric)
            }
            if rule.Window <= 0 {
                return invalidf("rule '%s' needs a window for aggregate %s", rule.ID, rule.Aggregate)
            }
        default:
            return invalidf("rule '%s' has unknown aggregate %q", rule.ID, rule.Aggregate)
        }
        if rule.Message != "" {
            if _, err := parseMessageTemplate(rule.Message); err != nil {
                return invalidf("rule '%s' message: %v", rule.ID, err)
            }
        }
    }
    return nil
}

// RuleWatcher reloads a rules file when it changes on disk. A reload that
// fails keeps the previous rule set.
type RuleWatcher struct {
    path     string
    base     []models.AlertRule
    onChange func([]models.AlertRule)
    watcher  *fsnotify.Watcher
    stopChan chan struct{}
    debounce time.Duration
    mu       sync.Mutex
}

// NewRuleWatcher watches path. Rules from the main config in base are kept
// in front of the file's rules on every reload.
func NewRuleWatcher(path string, base []models.AlertRule, onChange func([]models.AlertRule)) (*RuleWatcher, error) {
    watcher, err := fsnotify.NewWatcher()
    if err != nil {
        return nil, err
    }
    return &RuleWatcher{
        path:     path,
        base:     base,
        onChange: onChange,
        watcher:  watcher,
        stopChan: make(chan struct{}),
        debounce: 100 * time.Millisecond,
    }, nil
}

// Start watches the rules file's directory so editors that replace the file
// are still seen.
func (rw *RuleWatcher) Start() error {
    dir := filepath.Dir(rw.path)
    if err := rw.watcher.Add(dir); err != nil {
        return fmt.Errorf("failed to watch %s: %w", dir, err)
    }
    go rw.handleEvents(rw.watcher.Events, rw.watcher.Errors)
    logrus.WithField("path", rw.path).Info("Watching rules file for changes")
    return nil
}

func (rw *RuleWatcher) Stop() {
    select {
    case <-rw.stopChan:
        return
    default:
        close(rw.stopChan)
    }
    rw.watcher.Close()
}

func (rw *RuleWatcher) handleEvents(events <-chan fsnotify.Event, errors <-chan error) {
    for {
        select {
        case event, ok := <-events:
            if !ok {
                return
            }
            if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
                continue
            }
            if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
                continue
            }
            // Let the writer finish
            time.Sleep(rw.debounce)
            rw.Reload()

        case err, ok := <-errors:
            if !ok {
                return
            }
            logrus.WithError(err).Error("Rules watcher error")

        case <-rw.stopChan:
            return
        }
    }
}

// Reload reads the rules file and hands the merged rule set to the callback.
func (rw *RuleWatcher) Reload() {
    rw.mu.Lock()
    defer rw.mu.Unlock()

    rules, err := LoadRules(rw.path)
    if err != nil {
        logrus.WithError(err).WithField("path", rw.path).Error("Failed to reload rules, keeping previous rule set")
        return
    }

    merged := append([]models.AlertRule(nil), rw.base...)
    merged = append(merged, rules...)
    if err := ValidateRules(merged); err != nil {
        logrus.WithError(err).Error("Reloaded rules conflict with configured rules, keeping previous rule set")
        return
    }

    logrus.WithField("rules", len(merged)).Info("Alert rules reloaded")
    rw.onChange(merged)
}
