package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/shlex"
)

// flag is one -XX option.
type flag struct {
	boolean *bool
	number  *uint
	size    *Size
}

func (c *Config) flags() map[string]flag {
	return map[string]flag{
		"InitialHeapSize":              {size: &c.InitialHeapSize},
		"MaxHeapSize":                  {size: &c.MaxHeapSize},
		"NewSize":                      {size: &c.NewSize},
		"MaxNewSize":                   {size: &c.MaxNewSize},
		"NewRatio":                     {number: &c.NewRatio},
		"SurvivorRatio":                {number: &c.SurvivorRatio},
		"MaxTenuringThreshold":         {number: &c.MaxTenuringThreshold},
		"InitialTenuringThreshold":     {number: &c.InitialTenuringThreshold},
		"TargetSurvivorRatio":          {number: &c.TargetSurvivorRatio},
		"AlwaysTenure":                 {boolean: &c.AlwaysTenure},
		"NeverTenure":                  {boolean: &c.NeverTenure},
		"MinHeapFreeRatio":             {number: &c.MinHeapFreeRatio},
		"MaxHeapFreeRatio":             {number: &c.MaxHeapFreeRatio},
		"ShrinkHeapInSteps":            {boolean: &c.ShrinkHeapInSteps},
		"MinHeapDeltaBytes":            {size: &c.MinHeapDeltaBytes},
		"MarkSweepDeadRatio":           {number: &c.MarkSweepDeadRatio},
		"MarkSweepAlwaysCompactCount":  {number: &c.MarkSweepAlwaysCompactCount},
		"PretenureSizeThreshold":       {size: &c.PretenureSizeThreshold},
		"NewSizeThreadIncrease":        {size: &c.NewSizeThreadIncrease},
		"UseTLAB":                      {boolean: &c.UseTLAB},
		"TLABSize":                     {size: &c.TLABSize},
		"ScavengeBeforeFullGC":         {boolean: &c.ScavengeBeforeFullGC},
		"GCLockerRetryAllocationCount": {number: &c.GCLockerRetryAllocationCount},
		"VerifyBeforeGC":               {boolean: &c.VerifyBeforeGC},
		"VerifyAfterGC":                {boolean: &c.VerifyAfterGC},
		"CommitLimit":                  {size: &c.CommitLimit},
	}
}

// FlagNames returns the names accepted after -XX:, sorted.
func FlagNames() []string {
	var c Config
	var names []string
	for name := range c.flags() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseFlags applies JVM-style options to c. The string is split like a
// shell command line. Supported forms are -Xms<size>, -Xmx<size>,
// -Xmn<size>, -XX:+Name, -XX:-Name and -XX:Name=value.
func (c *Config) ParseFlags(s string) error {
	args, err := shlex.Split(s)
	if err != nil {
		return errors.Wrap(err, "config: split flags")
	}
	for _, arg := range args {
		if err := c.parseFlag(arg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) parseFlag(arg string) error {
	switch {
	case strings.HasPrefix(arg, "-Xms"):
		return setSize(&c.InitialHeapSize, arg, arg[len("-Xms"):])
	case strings.HasPrefix(arg, "-Xmx"):
		return setSize(&c.MaxHeapSize, arg, arg[len("-Xmx"):])
	case strings.HasPrefix(arg, "-Xmn"):
		// -Xmn fixes the young generation size.
		if err := setSize(&c.NewSize, arg, arg[len("-Xmn"):]); err != nil {
			return err
		}
		c.MaxNewSize = c.NewSize
		return nil
	case strings.HasPrefix(arg, "-XX:"):
	default:
		return errors.Newf("config: unknown option %q", arg)
	}

	opt := arg[len("-XX:"):]
	flags := c.flags()
	if len(opt) > 0 && (opt[0] == '+' || opt[0] == '-') {
		f, ok := flags[opt[1:]]
		if !ok {
			return errors.Newf("config: unknown flag %q", opt[1:])
		}
		if f.boolean == nil {
			return errors.Newf("config: flag %s is not a boolean", opt[1:])
		}
		*f.boolean = opt[0] == '+'
		return nil
	}

	name, value, ok := strings.Cut(opt, "=")
	if !ok {
		return errors.Newf("config: option %q needs a value", arg)
	}
	f, found := flags[name]
	if !found {
		return errors.Newf("config: unknown flag %q", name)
	}
	switch {
	case f.size != nil:
		return setSize(f.size, arg, value)
	case f.number != nil:
		n, err := strconv.ParseUint(value, 10, 0)
		if err != nil {
			return errors.Wrapf(err, "config: %s", arg)
		}
		*f.number = uint(n)
	default:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "config: %s", arg)
		}
		*f.boolean = b
	}
	return nil
}

func setSize(dst *Size, arg, value string) error {
	v, err := ParseSize(value)
	if err != nil {
		return errors.Wrapf(err, "config: %s", arg)
	}
	*dst = v
	return nil
}
