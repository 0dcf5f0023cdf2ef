package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PeripheralSpec names one statically-configured peripheral connection,
// for deployments where udev hotplug and the QRTR nameservice are not
// available (test rigs, QEMU images without the full modem stack). A
// spec is either socket-based (qrtr_instance names the peripheral's
// instance base in the DIAG service) or character-device-based (data_dev
// and cntl_dev name the rpmsg device nodes, cmd_dev optionally a third).
type PeripheralSpec struct {
	Name         string `yaml:"name"`
	QRTRInstance uint32 `yaml:"qrtr_instance,omitempty"`
	DataDev      string `yaml:"data_dev,omitempty"`
	CntlDev      string `yaml:"cntl_dev,omitempty"`
	CmdDev       string `yaml:"cmd_dev,omitempty"`
}

// StaticPeripherals is the top-level shape of the -c/--config YAML file.
type StaticPeripherals struct {
	Peripherals []PeripheralSpec `yaml:"peripherals"`
}

// LoadStaticPeripherals reads and parses path. An empty path is not an
// error: it yields an empty list, since the static file is optional and
// most deployments rely on rpmsg hotplug and QRTR lookup instead.
func LoadStaticPeripherals(path string) (*StaticPeripherals, error) {
	if path == "" {
		return &StaticPeripherals{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg StaticPeripherals
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return &cfg, nil
}
