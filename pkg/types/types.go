package types

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// VolumeState tracks where a volume sits in its attach lifecycle.
// Transitional states are persisted so a restart can tell how far an
// interrupted operation got.
type VolumeState string

const (
	// StateCreated means the RBD image exists but is not mapped here
	StateCreated VolumeState = "created"

	// StateMapped means the image is mapped to a local kernel device
	StateMapped VolumeState = "mapped"

	// StateOverlaid means the encrypted device is open as a cleartext overlay
	StateOverlaid VolumeState = "overlaid"

	// StateReady means the device carries a filesystem and is mountable
	StateReady VolumeState = "fs-ready"

	// StateMounted means the filesystem is mounted and in use by consumers
	StateMounted VolumeState = "mounted"
)

// Volume represents a Ceph RBD backed docker volume
type Volume struct {
	Name       string      `json:"name"` // image name within the pool
	Pool       string      `json:"pool"`
	Size       int64       `json:"size"` // bytes, creation hint only
	Encrypted  bool        `json:"encrypted"`
	Exclusive  bool        `json:"exclusive"`           // reject concurrent attaches
	Device     string      `json:"device,omitempty"`    // kernel device while mapped
	Overlay    string      `json:"overlay,omitempty"`   // cleartext device while open
	Mountpoint string      `json:"mountpoint,omitempty"`
	State      VolumeState `json:"state"`
	Consumers  []string    `json:"consumers,omitempty"` // active mount request IDs
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Key returns the pool-qualified image name used as the registry key
// and as the rbd image spec.
func (v *Volume) Key() string {
	return v.Pool + "/" + v.Name
}

// Refs returns the number of active consumers
func (v *Volume) Refs() int {
	return len(v.Consumers)
}

// Attached reports whether the volume holds any local kernel resource
// (mapping, overlay or mount)
func (v *Volume) Attached() bool {
	return v.State != StateCreated
}

// Options are the recognized docker volume options, accepted both at
// Create and at first Mount (implicit create).
type Options struct {
	Size      int64  // bytes; 0 means use the configured default
	Pool      string // storage pool; empty means use the configured default
	Encrypted bool
	Key       string // explicit passphrase override
	Exclusive bool
}

// ParseOptions converts the docker -o option map into typed options
func ParseOptions(opts map[string]string) (Options, error) {
	var o Options
	for k, v := range opts {
		switch k {
		case "size":
			size, err := units.RAMInBytes(v)
			if err != nil {
				return o, fmt.Errorf("invalid size option %q: %w", v, err)
			}
			o.Size = size
		case "pool":
			o.Pool = v
		case "encrypted":
			o.Encrypted = v == "true" || v == "1"
		case "key":
			o.Key = v
			o.Encrypted = true
		case "exclusive":
			o.Exclusive = v == "true" || v == "1"
		default:
			return o, fmt.Errorf("unknown volume option %q", k)
		}
	}
	return o, nil
}

// ParseName splits an optionally pool-qualified volume name
// ("pool/image" or "image") using defaultPool as the fallback.
func ParseName(fullname, defaultPool string) (pool, name string, err error) {
	parts := strings.Split(fullname, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", fmt.Errorf("empty volume name")
		}
		return defaultPool, parts[0], nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid volume name %q", fullname)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid volume name %q: expected [pool/]image", fullname)
	}
}

// Config holds daemon configuration, loadable from YAML
type Config struct {
	CephCluster    string `yaml:"cluster,omitempty"`
	CephUser       string `yaml:"user"`
	CephConfigFile string `yaml:"config_file"`
	DefaultPool    string `yaml:"default_pool"`
	DefaultSize    string `yaml:"default_size"` // e.g. "1G"
	MountRoot      string `yaml:"mount_root"`
	DataDir        string `yaml:"data_dir"`
	SocketName     string `yaml:"socket_name"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty"`
	LogLevel       string `yaml:"log_level"`
	LogJSON        bool   `yaml:"log_json"`
	// NameAsKey enables deriving the LUKS passphrase from the
	// pool-qualified volume name when no key option is given.
	NameAsKey         bool          `yaml:"name_as_key"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// DefaultConfig returns the built-in daemon defaults
func DefaultConfig() Config {
	return Config{
		CephUser:          "admin",
		CephConfigFile:    "/etc/ceph/ceph.conf",
		DefaultPool:       "rbd",
		DefaultSize:       "1G",
		MountRoot:         "/var/lib/cephvol/mounts",
		DataDir:           "/var/lib/cephvol",
		SocketName:        "ceph",
		LogLevel:          "info",
		NameAsKey:         true,
		CommandTimeout:    2 * time.Minute,
		ReconcileInterval: 0, // periodic sweep disabled unless set
	}
}
