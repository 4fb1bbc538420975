// Package config holds the tuning knobs of a heap. A configuration starts
// from Default and can be overridden from a YAML file, from a string of
// JVM-style options such as "-Xmx64m -XX:MaxTenuringThreshold=4", or both.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Size is a number of bytes. In YAML and option strings it is written as a
// plain number or with a unit, like "64MB" or "512k".
type Size uint64

// Bytes returns the size as a uintptr.
func (s Size) Bytes() uintptr { return uintptr(s) }

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// ParseSize parses a byte count with an optional unit. Single letter JVM
// units (k, m, g, t) are accepted as well.
func ParseSize(str string) (Size, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, errors.New("config: empty size")
	}
	upper := strings.ToUpper(str)
	switch upper[len(upper)-1] {
	case 'K', 'M', 'G', 'T', 'P':
		upper += "B"
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		upper += "B"
	}
	b, err := bytesize.Parse(upper)
	if err != nil {
		return 0, errors.Wrapf(err, "config: bad size %q", str)
	}
	return Size(b), nil
}

// UnmarshalYAML accepts both plain integers and strings with units.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return errors.Wrap(err, "config: size must be a number or a string")
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML writes the exact byte count; String rounds.
func (s Size) MarshalYAML() (interface{}, error) {
	return uint64(s), nil
}

// Config is the configuration of one heap. Sizes of zero are derived from
// the other settings by Resolve.
type Config struct {
	InitialHeapSize Size `yaml:"initial_heap_size"`
	MaxHeapSize     Size `yaml:"max_heap_size"`
	NewSize         Size `yaml:"new_size"`
	MaxNewSize      Size `yaml:"max_new_size"`

	// NewRatio is the ratio of old to young generation sizes used when the
	// young sizes are not set.
	NewRatio uint `yaml:"new_ratio"`

	// SurvivorRatio is the ratio of eden to one survivor space.
	SurvivorRatio uint `yaml:"survivor_ratio"`

	MaxTenuringThreshold     uint `yaml:"max_tenuring_threshold"`
	InitialTenuringThreshold uint `yaml:"initial_tenuring_threshold"`

	// TargetSurvivorRatio is the desired percentage of a survivor space in
	// use after a young collection.
	TargetSurvivorRatio uint `yaml:"target_survivor_ratio"`
	AlwaysTenure        bool `yaml:"always_tenure"`
	NeverTenure         bool `yaml:"never_tenure"`

	MinHeapFreeRatio  uint `yaml:"min_heap_free_ratio"`
	MaxHeapFreeRatio  uint `yaml:"max_heap_free_ratio"`
	ShrinkHeapInSteps bool `yaml:"shrink_heap_in_steps"`
	MinHeapDeltaBytes Size `yaml:"min_heap_delta_bytes"`

	// MarkSweepDeadRatio is the percentage of the old generation a full
	// collection may leave as dead wood.
	MarkSweepDeadRatio          uint `yaml:"mark_sweep_dead_ratio"`
	MarkSweepAlwaysCompactCount uint `yaml:"mark_sweep_always_compact_count"`

	// PretenureSizeThreshold sends larger allocations straight to the old
	// generation. Zero disables it.
	PretenureSizeThreshold Size `yaml:"pretenure_size_threshold"`
	NewSizeThreadIncrease  Size `yaml:"new_size_thread_increase"`

	UseTLAB  bool `yaml:"use_tlab"`
	TLABSize Size `yaml:"tlab_size"`

	ScavengeBeforeFullGC         bool `yaml:"scavenge_before_full_gc"`
	GCLockerRetryAllocationCount uint `yaml:"gc_locker_retry_allocation_count"`

	VerifyBeforeGC bool `yaml:"verify_before_gc"`
	VerifyAfterGC  bool `yaml:"verify_after_gc"`

	// CommitLimit bounds the memory the heap may commit. Zero means no
	// bound. Used to exercise commit failures.
	CommitLimit Size `yaml:"commit_limit"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		InitialHeapSize:              16 << 20,
		MaxHeapSize:                  64 << 20,
		NewRatio:                     2,
		SurvivorRatio:                8,
		MaxTenuringThreshold:         15,
		InitialTenuringThreshold:     7,
		TargetSurvivorRatio:          50,
		MinHeapFreeRatio:             40,
		MaxHeapFreeRatio:             70,
		ShrinkHeapInSteps:            true,
		MinHeapDeltaBytes:            128 << 10,
		MarkSweepDeadRatio:           5,
		MarkSweepAlwaysCompactCount:  4,
		NewSizeThreadIncrease:        4 << 10,
		UseTLAB:                      true,
		TLABSize:                     16 << 10,
		GCLockerRetryAllocationCount: 2,
	}
}

// Load reads a YAML file on top of the default configuration.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "config: load")
	}
	if err := c.UnmarshalYAMLBytes(data); err != nil {
		return c, errors.Wrapf(err, "config: load %s", path)
	}
	return c, nil
}

// UnmarshalYAMLBytes overrides c with the settings in data. Unknown keys
// are an error.
func (c *Config) UnmarshalYAMLBytes(data []byte) error {
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, "config: parse yaml")
	}
	return nil
}

// Marshal returns c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that the settings are consistent.
func (c *Config) Validate() error {
	switch {
	case c.MaxHeapSize == 0:
		return errors.New("config: max heap size must be set")
	case c.InitialHeapSize > c.MaxHeapSize:
		return errors.Newf("config: initial heap size %v exceeds max heap size %v", c.InitialHeapSize, c.MaxHeapSize)
	case c.NewSize != 0 && c.MaxNewSize != 0 && c.NewSize > c.MaxNewSize:
		return errors.Newf("config: new size %v exceeds max new size %v", c.NewSize, c.MaxNewSize)
	case c.MaxNewSize != 0 && c.MaxNewSize >= c.MaxHeapSize:
		return errors.Newf("config: max new size %v leaves no room for the old generation in %v", c.MaxNewSize, c.MaxHeapSize)
	case c.NewRatio == 0:
		return errors.New("config: new ratio must be at least 1")
	case c.SurvivorRatio == 0:
		return errors.New("config: survivor ratio must be at least 1")
	case c.MaxTenuringThreshold > 15:
		return errors.Newf("config: max tenuring threshold %d above 15", c.MaxTenuringThreshold)
	case c.InitialTenuringThreshold > c.MaxTenuringThreshold:
		return errors.Newf("config: initial tenuring threshold %d above max %d", c.InitialTenuringThreshold, c.MaxTenuringThreshold)
	case c.AlwaysTenure && c.NeverTenure:
		return errors.New("config: always tenure and never tenure are exclusive")
	case c.TargetSurvivorRatio > 100:
		return errors.Newf("config: target survivor ratio %d above 100", c.TargetSurvivorRatio)
	case c.MinHeapFreeRatio > 100 || c.MaxHeapFreeRatio > 100:
		return errors.New("config: heap free ratios are percentages")
	case c.MinHeapFreeRatio > c.MaxHeapFreeRatio:
		return errors.Newf("config: min heap free ratio %d above max %d", c.MinHeapFreeRatio, c.MaxHeapFreeRatio)
	case c.MarkSweepDeadRatio > 100:
		return errors.Newf("config: mark sweep dead ratio %d above 100", c.MarkSweepDeadRatio)
	case c.MarkSweepAlwaysCompactCount == 0:
		return errors.New("config: mark sweep always compact count must be at least 1")
	case c.UseTLAB && c.TLABSize == 0:
		return errors.New("config: tlab size must be set when tlabs are used")
	}
	return nil
}

// Resolve fills in the derived sizes and aligns every generation size to
// align, which must be a power of two. The young generation gets at least
// three alignment units and so does the old one.
func (c *Config) Resolve(align uintptr) error {
	if err := c.Validate(); err != nil {
		return err
	}
	a := Size(align)
	down := func(s Size) Size { return s &^ (a - 1) }
	up := func(s Size) Size { return (s + a - 1) &^ (a - 1) }
	minGen := 3 * a

	c.MaxHeapSize = up(c.MaxHeapSize)
	if c.InitialHeapSize == 0 {
		c.InitialHeapSize = c.MaxHeapSize
	}
	c.InitialHeapSize = up(c.InitialHeapSize)
	if c.MaxHeapSize < 2*minGen {
		return errors.Newf("config: max heap size %v is below the minimum of %v", c.MaxHeapSize, 2*minGen)
	}

	if c.MaxNewSize == 0 {
		c.MaxNewSize = c.MaxHeapSize / Size(c.NewRatio+1)
	}
	c.MaxNewSize = down(c.MaxNewSize)
	if c.MaxNewSize < minGen {
		c.MaxNewSize = minGen
	}
	if c.MaxNewSize > c.MaxHeapSize-minGen {
		c.MaxNewSize = c.MaxHeapSize - minGen
	}
	if c.NewSize == 0 {
		c.NewSize = c.InitialHeapSize / Size(c.NewRatio+1)
	}
	c.NewSize = down(c.NewSize)
	if c.NewSize < minGen {
		c.NewSize = minGen
	}
	if c.NewSize > c.MaxNewSize {
		c.NewSize = c.MaxNewSize
	}
	if c.InitialHeapSize < c.NewSize+minGen {
		c.InitialHeapSize = c.NewSize + minGen
	}
	if c.InitialHeapSize > c.MaxHeapSize {
		return errors.Newf("config: initial heap size %v does not fit in max heap size %v", c.InitialHeapSize, c.MaxHeapSize)
	}
	return nil
}

// OldSize returns the initial size of the old generation. Only meaningful
// after Resolve.
func (c *Config) OldSize() Size { return c.InitialHeapSize - c.NewSize }

// MaxOldSize returns the reserved size of the old generation. Only
// meaningful after Resolve.
func (c *Config) MaxOldSize() Size { return c.MaxHeapSize - c.MaxNewSize }
