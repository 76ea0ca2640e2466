package transformer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/logger"
)

// ScriptManager holds the JavaScript transforms configured for protocols missing from the
// built-in table, or whose built-in mapping should be replaced. Protocol names match
// case-insensitively because configuration keys are lower-cased on load.
type ScriptManager struct {
	scripts map[string]*Script
	mutex   sync.RWMutex
}

// Script is one compiled transform. The script defines
//
//	function transform(record) { return { temperature_c: record.temp / 10 } }
//
// returning canonical measurement names mapped to numbers. A null result maps nothing.
type Script struct {
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
	mu         sync.Mutex
}

// NewScriptManager compiles one script per configured protocol
func NewScriptManager(configs map[string]config.Script) (*ScriptManager, error) {
	manager := &ScriptManager{scripts: make(map[string]*Script, len(configs))}

	for protocol, cfg := range configs {
		script, err := loadScript(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: script for protocol %s: %v", config.ErrInvalidConfig, protocol, err)
		}
		manager.scripts[strings.ToLower(protocol)] = script
		logger.Info("loaded transform script for protocol %s", protocol)
	}

	return manager, nil
}

func loadScript(cfg config.Script) (*Script, error) {
	code := cfg.ScriptCode
	if code == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("neither script_code nor script_path given")
		}
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", cfg.ScriptPath, err)
		}
		code = string(b)
	}
	return newScript(code, cfg.ScriptPath)
}

func newScript(code, path string) (*Script, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}

		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	transform, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("script does not define a transform function")
	}

	return &Script{vm: vm, transform: transform, scriptPath: path}, nil
}

// Has reports whether a script is configured for protocol
func (m *ScriptManager) Has(protocol string) bool {
	if m == nil {
		return false
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.scripts[strings.ToLower(protocol)]
	return ok
}

// Transform runs the protocol's script over a raw record
func (m *ScriptManager) Transform(protocol string, record map[string]any) ([]Measurement, error) {
	m.mutex.RLock()
	script, ok := m.scripts[strings.ToLower(protocol)]
	m.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transform script for protocol %s", protocol)
	}
	return script.run(record)
}

func (s *Script) run(record map[string]any) ([]Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.transform(goja.Undefined(), s.vm.ToValue(record))
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	obj := result.ToObject(s.vm)
	var out []Measurement
	for _, name := range obj.Keys() {
		value, ok := toFloat(obj.Get(name).Export())
		if !ok || math.IsNaN(value) {
			logger.Debug("transform %s: ignoring non-numeric %s", s.scriptPath, name)
			continue
		}
		out = append(out, Measurement{Name: name, Value: value})
	}
	return out, nil
}

// ReloadScript replaces the transform for one protocol
func (m *ScriptManager) ReloadScript(protocol string, cfg config.Script) error {
	script, err := loadScript(cfg)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.scripts[strings.ToLower(protocol)] = script
	m.mutex.Unlock()

	logger.Info("reloaded transform script for protocol %s", protocol)
	return nil
}

// Reload applies a new script configuration: every configured protocol is recompiled, and
// protocols no longer configured fall back to the built-in table. A script that fails to load
// keeps its previous version.
func (m *ScriptManager) Reload(configs map[string]config.Script) error {
	var errs []error
	for protocol, cfg := range configs {
		if err := m.ReloadScript(protocol, cfg); err != nil {
			errs = append(errs, fmt.Errorf("script for protocol %s: %w", protocol, err))
		}
	}

	m.mutex.Lock()
	for protocol := range m.scripts {
		if !hasKeyFold(configs, protocol) {
			delete(m.scripts, protocol)
			logger.Info("removed transform script for protocol %s", protocol)
		}
	}
	m.mutex.Unlock()

	return errors.Join(errs...)
}

func hasKeyFold(configs map[string]config.Script, protocol string) bool {
	for k := range configs {
		if strings.EqualFold(k, protocol) {
			return true
		}
	}
	return false
}
