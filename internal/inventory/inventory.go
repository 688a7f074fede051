// internal/inventory/inventory.go
package inventory

import (
    "context"
    "fmt"
    "os"
    "sort"
    "sync"
    "time"

    "github.com/sirupsen/logrus"
    "gopkg.in/yaml.v3"
    "netwatch/internal/config"
    "netwatch/internal/models"
)

// Source supplies the device list. The engine never writes back to it.
type Source interface {
    Devices(ctx context.Context) ([]models.Device, error)
}

// StaticSource serves the devices listed in the main configuration.
type StaticSource struct {
    devices []models.Device
}

func NewStaticSource(devices []config.DeviceConfig) *StaticSource {
    out := make([]models.Device, 0, len(devices))
    for i := range devices {
        out = append(out, devices[i].ToDevice())
    }
    return &StaticSource{devices: out}
}

func (s *StaticSource) Devices(ctx context.Context) ([]models.Device, error) {
    return append([]models.Device(nil), s.devices...), nil
}

// fileFormat is the layout of an inventory file.
type fileFormat struct {
    Devices []config.DeviceConfig `yaml:"devices"`
}

// FileSource reads devices from a YAML file maintained by another system.
// The file is only re-parsed when its modification time changes, and a
// broken file keeps the last good listing.
type FileSource struct {
    path string

    mu      sync.Mutex
    modTime time.Time
    devices []models.Device
    loaded  bool
}

func NewFileSource(path string) *FileSource {
    return &FileSource{path: path}
}

func (f *FileSource) Path() string {
    return f.path
}

func (f *FileSource) Devices(ctx context.Context) ([]models.Device, error) {
    f.mu.Lock()
    defer f.mu.Unlock()

    info, err := os.Stat(f.path)
    if err != nil {
        if f.loaded {
            logrus.WithError(err).WithField("file", f.path).Warn("Inventory file unavailable, keeping last listing")
            return append([]models.Device(nil), f.devices...), nil
        }
        return nil, fmt.Errorf("inventory file: %w", err)
    }
    if f.loaded && info.ModTime().Equal(f.modTime) {
        return append([]models.Device(nil), f.devices...), nil
    }

    devices, err := ParseFile(f.path)
    if err != nil {
        if f.loaded {
            logrus.WithError(err).WithField("file", f.path).Error("Inventory file invalid, keeping last listing")
            return append([]models.Device(nil), f.devices...), nil
        }
        return nil, err
    }

    f.devices = devices
    f.modTime = info.ModTime()
    f.loaded = true
    logrus.WithFields(logrus.Fields{
        "file":    f.path,
        "devices": len(devices),
    }).Info("Loaded inventory file")
    return append([]models.Device(nil), devices...), nil
}

// ParseFile reads and validates an inventory file.
func ParseFile(path string) ([]models.Device, error) {
    data, err := os.ReadFile(path)
    if err != nil {
        return nil, fmt.Errorf("failed to read inventory file: %w", err)
    }
    var file fileFormat
    if err := yaml.Unmarshal(data, &file); err != nil {
        return nil, fmt.Errorf("failed to parse inventory file: %w", err)
    }
    if err := config.ValidateDevices(file.Devices); err != nil {
        return nil, fmt.Errorf("inventory file %s: %w", path, err)
    }
    out := make([]models.Device, 0, len(file.Devices))
    for i := range file.Devices {
        out = append(out, file.Devices[i].ToDevice())
    }
    return out, nil
}

// WriteFile writes devices in the inventory file layout.
func WriteFile(path string, devices []config.DeviceConfig) error {
    data, err := yaml.Marshal(fileFormat{Devices: devices})
    if err != nil {
        return fmt.Errorf("failed to marshal inventory: %w", err)
    }
    return os.WriteFile(path, data, 0644)
}

// Merged combines sources. A device id seen in a later source replaces the
// earlier entry, so a file feed can override the static list.
type Merged struct {
    sources []Source
}

func NewMerged(sources ...Source) *Merged {
    return &Merged{sources: sources}
}

func (m *Merged) Devices(ctx context.Context) ([]models.Device, error) {
    byID := make(map[string]models.Device)
    for _, src := range m.sources {
        devices, err := src.Devices(ctx)
        if err != nil {
            return nil, err
        }
        for _, d := range devices {
            if _, dup := byID[d.ID]; dup {
                logrus.WithField("device", d.ID).Debug("Inventory entry overridden by later source")
            }
            byID[d.ID] = d
        }
    }
    out := make([]models.Device, 0, len(byID))
    for _, d := range byID {
        out = append(out, d)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

// FromConfig builds the configured inventory.
func FromConfig(cfg *config.Config) Source {
    static := NewStaticSource(cfg.Devices)
    if cfg.Inventory.File == "" {
        return static
    }
    return NewMerged(static, NewFileSource(cfg.Inventory.File))
}
