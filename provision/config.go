package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// Defaults applied by Normalize.
const (
	DefaultOSType       = "WindowsXP"
	DefaultMemoryMB     = 1024
	DefaultCPUs         = 1
	DefaultDiskMB       = 256 * 1024
	DefaultResolution   = "1024x768"
	DefaultSnapshotName = "vmcloak"
	DefaultLockTimeout  = time.Minute
	DefaultSettleDelay  = 30 * time.Second
)

var (
	serialKeyRe  = regexp.MustCompile(`^([A-Z0-9]{5}-){4}[A-Z0-9]{5}$`)
	kbLayoutRe   = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)
	resolutionRe = regexp.MustCompile(`^[0-9]+x[0-9]+$`)
)

// Config describes one provisioning run. Zero values for optional fields
// are filled by Normalize; Validate rejects configurations a run cannot
// proceed with.
type Config struct {
	VMName string `validate:"required"`
	OSType string `validate:"required"`

	// MountDir holds the extracted base installer image.
	MountDir string `validate:"required,dir"`

	// SerialKeySpec is either a literal product key or a vault://path#field
	// reference. The resolved value is validated separately.
	SerialKeySpec  string `validate:"required"`
	KeyboardLayout string `validate:"required,kblayout"`
	ComputerName   string `validate:"required"`
	FullName       string
	OrgName        string

	// HostIP is the host-facing address the guest calls back to. The
	// Guest* fields form the guest's static identity on the host-only
	// network.
	HostIP       string `validate:"required,ip"`
	GuestIP      string `validate:"required,ip"`
	GuestMask    string `validate:"required,ip"`
	GuestGateway string `validate:"required,ip"`
	MACAddress   string `validate:"omitempty,mac"`

	Resolution string `validate:"required,resolution"`

	MemoryMB int `validate:"min=256"`
	CPUs     int `validate:"min=1"`
	DiskMB   int `validate:"min=1024"`

	// HardwareProfile names a fingerprint preset, or "random". Empty
	// leaves the hypervisor defaults in place.
	HardwareProfile string

	// HWVirt toggles hardware virtualization when set. Nil leaves the
	// hypervisor default.
	HWVirt *bool

	NATNetwork     bool
	BridgedAdapter string
	VisibleBoot    bool

	Dependencies []string

	SnapshotName string `validate:"required"`

	// Register hands the finished VM to the registration tool.
	Register         bool
	RegistrationTool string `validate:"omitempty,file"`
	Tags             string

	LockPath    string `validate:"required"`
	LockTimeout time.Duration
	SettleDelay time.Duration

	// WorkDir is the parent for the run's scratch directory. Empty uses
	// the system temp directory.
	WorkDir string

	// OutputISO overrides where the installer image is staged. Empty
	// places it in the scratch directory.
	OutputISO string
}

// Normalize fills defaults for optional fields.
func (c *Config) Normalize() {
	if c.OSType == "" {
		c.OSType = DefaultOSType
	}
	if c.ComputerName == "" {
		c.ComputerName = "DESKTOP-01"
	}
	if c.FullName == "" {
		c.FullName = "Windows User"
	}
	if c.OrgName == "" {
		c.OrgName = "Home"
	}
	if c.Resolution == "" {
		c.Resolution = DefaultResolution
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.DiskMB == 0 {
		c.DiskMB = DefaultDiskMB
	}
	if c.SnapshotName == "" {
		c.SnapshotName = DefaultSnapshotName
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("kblayout", func(fl validator.FieldLevel) bool {
		return kbLayoutRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("resolution", func(fl validator.FieldLevel) bool {
		return resolutionRe.MatchString(fl.Field().String())
	})
	return v
}

var validate = newValidator()

// Validate checks the configuration and the resolved serial key. All
// failures map to ErrConfigurationInvalid.
func (c *Config) Validate(serialKey string) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s violates %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", interfaces.ErrConfigurationInvalid, strings.Join(problems, ", "))
		}
		return fmt.Errorf("%w: %v", interfaces.ErrConfigurationInvalid, err)
	}
	if !serialKeyRe.MatchString(serialKey) {
		return fmt.Errorf("%w: serial key must have the form XXXXX-XXXXX-XXXXX-XXXXX-XXXXX", interfaces.ErrConfigurationInvalid)
	}
	if c.Register && c.RegistrationTool == "" {
		return fmt.Errorf("%w: registration requested but no registration tool configured", interfaces.ErrConfigurationInvalid)
	}
	return nil
}

// Profile is a reusable machine shape from the profiles file. Profile
// values fill configuration fields the user left unset.
type Profile struct {
	OSType          string   `yaml:"ostype"`
	MemoryMB        int      `yaml:"memory_mb"`
	CPUs            int      `yaml:"cpus"`
	DiskMB          int      `yaml:"disk_mb"`
	HardwareProfile string   `yaml:"hardware_profile"`
	Resolution      string   `yaml:"resolution"`
	Dependencies    []string `yaml:"dependencies"`
}

// LoadProfiles reads the named profiles file. A missing file yields an
// empty profile set.
func LoadProfiles(path string) (map[string]Profile, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profiles: %w", err)
	}
	profiles := make(map[string]Profile)
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("parsing profiles %s: %w", path, err)
	}
	return profiles, nil
}

// ApplyProfile copies profile values into unset configuration fields and
// appends the profile's dependencies.
func (c *Config) ApplyProfile(p Profile) {
	if c.OSType == "" {
		c.OSType = p.OSType
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = p.MemoryMB
	}
	if c.CPUs == 0 {
		c.CPUs = p.CPUs
	}
	if c.DiskMB == 0 {
		c.DiskMB = p.DiskMB
	}
	if c.HardwareProfile == "" {
		c.HardwareProfile = p.HardwareProfile
	}
	if c.Resolution == "" {
		c.Resolution = p.Resolution
	}
	c.Dependencies = append(c.Dependencies, p.Dependencies...)
}
