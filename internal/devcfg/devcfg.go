// Package devcfg parses the comma-separated `-device`-style option
// strings the external config layer hands the VMM core for balloon, net,
// and passthrough devices (spec §6 "device configuration records").
//
// The teacher has no equivalent (tinyrange-cc's devices are constructed
// programmatically, not from command-line option strings), so the parser
// shape is ported from original_source/machine_manager/src/config's
// CmdParser convention: first comma-separated token names the device
// type, the rest are `key=value` suboptions, in the spirit of
// balloon.rs's parse_balloon.
package devcfg

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyrange/vmmcore/internal/vio/balloon"
)

// NetConfig is the parsed form of a virtio-net device option string.
type NetConfig struct {
	ID          string
	MAC         string
	HostDevName string
	Queues      int
	MQ          bool
	IOThread    string
}

// PassthroughConfig is the parsed form of a VFIO passthrough device
// option string.
type PassthroughConfig struct {
	ID        string
	SysfsPath string
	BDF       string
}

// Registry tracks which singleton device kinds have already been
// allocated for a VM (spec §9 design note: "the dev_name map used to
// enforce 'only one balloon' is logically process-wide; model as a field
// on the VM record rather than a module global"). One Registry per VM.
type Registry struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewRegistry returns an empty device-name registry for one VM.
func NewRegistry() *Registry {
	return &Registry{used: make(map[string]bool)}
}

func (r *Registry) claim(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used[name] {
		return fmt.Errorf("Only one %s device is supported", name)
	}
	r.used[name] = true
	return nil
}

// ParseBalloon parses a "virtio-balloon-device,..." or
// "virtio-balloon-pci,..." option string into a validated balloon.Config.
// Scenario 1: "virtio-balloon-device,deflate-on-oom=true,id=balloon0" ->
// {id:"balloon0", deflate_on_oom:true, auto_balloon:false,
// membuf_percent:50, monitor_interval:10}.
// Scenario 2: a second call on the same Registry fails with "Only one
// balloon device is supported".
func ParseBalloon(reg *Registry, raw string) (balloon.Config, error) {
	kind, opts, err := splitOptions(raw)
	if err != nil {
		return balloon.Config{}, err
	}
	if kind != "virtio-balloon-device" && kind != "virtio-balloon-pci" {
		return balloon.Config{}, fmt.Errorf("devcfg: unrecognized balloon device kind %q", kind)
	}
	if err := reg.claim("balloon"); err != nil {
		return balloon.Config{}, err
	}

	cfg := balloon.DefaultConfig(opts["id"])

	if v, ok := opts["deflate-on-oom"]; ok {
		b, err := parseExBool(v)
		if err != nil {
			return balloon.Config{}, fmt.Errorf("deflate-on-oom: %w", err)
		}
		cfg.DeflateOnOOM = b
	}
	if v, ok := opts["free-page-reporting"]; ok {
		b, err := parseExBool(v)
		if err != nil {
			return balloon.Config{}, fmt.Errorf("free-page-reporting: %w", err)
		}
		cfg.FreePageReporting = b
	}
	if v, ok := opts["auto-balloon"]; ok {
		b, err := parseExBool(v)
		if err != nil {
			return balloon.Config{}, fmt.Errorf("auto-balloon: %w", err)
		}
		cfg.AutoBalloon = b
	}
	if v, ok := opts["membuf-percent"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return balloon.Config{}, fmt.Errorf("membuf-percent: %w", err)
		}
		cfg.MembufPercent = uint32(n)
	}
	if v, ok := opts["monitor-interval"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return balloon.Config{}, fmt.Errorf("monitor-interval: %w", err)
		}
		cfg.MonitorInterval = uint32(n)
	}

	if err := cfg.Validate(); err != nil {
		return balloon.Config{}, err
	}
	return cfg, nil
}

// ParseNet parses a "virtio-net-device,..." option string.
func ParseNet(raw string) (NetConfig, error) {
	kind, opts, err := splitOptions(raw)
	if err != nil {
		return NetConfig{}, err
	}
	if kind != "virtio-net-device" && kind != "virtio-net-pci" {
		return NetConfig{}, fmt.Errorf("devcfg: unrecognized net device kind %q", kind)
	}

	cfg := NetConfig{ID: opts["id"], MAC: opts["mac"], HostDevName: opts["host_dev_name"], IOThread: opts["iothread"], Queues: 1}

	if v, ok := opts["queues"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NetConfig{}, fmt.Errorf("queues: %w", err)
		}
		cfg.Queues = n
	}
	if v, ok := opts["mq"]; ok {
		b, err := parseExBool(v)
		if err != nil {
			return NetConfig{}, fmt.Errorf("mq: %w", err)
		}
		cfg.MQ = b
	}
	return cfg, nil
}

// ParsePassthrough parses a "vfio-pci,..." option string.
func ParsePassthrough(raw string) (PassthroughConfig, error) {
	kind, opts, err := splitOptions(raw)
	if err != nil {
		return PassthroughConfig{}, err
	}
	if kind != "vfio-pci" {
		return PassthroughConfig{}, fmt.Errorf("devcfg: unrecognized passthrough device kind %q", kind)
	}
	cfg := PassthroughConfig{ID: opts["id"], SysfsPath: opts["sysfsdev"], BDF: opts["host"]}
	if cfg.SysfsPath == "" && cfg.BDF == "" {
		return PassthroughConfig{}, fmt.Errorf("devcfg: passthrough device requires sysfsdev= or host=")
	}
	return cfg, nil
}

// splitOptions splits a "device-kind,key=value,key=value,..." string into
// the device kind and a suboption map. Valueless tokens (a bare key with
// no '=') are stored with an empty string value; the device-kind token
// itself is never a key in the returned map.
func splitOptions(raw string) (string, map[string]string, error) {
	parts := strings.Split(raw, ",")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, fmt.Errorf("devcfg: empty device option string")
	}
	kind := parts[0]
	opts := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		key, value, _ := strings.Cut(p, "=")
		opts[key] = value
	}
	return kind, opts, nil
}

// parseExBool accepts the boolean spellings original_source's ExBool
// suboption type allows.
func parseExBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "on", "yes":
		return true, nil
	case "false", "off", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", v)
	}
}
