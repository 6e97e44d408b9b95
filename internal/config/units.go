package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var errBadSize = errors.New("invalid byte size")

// ByteSize is a size in bytes. In JSON and on the command line it is either
// a plain number or a number with a unit: B, KiB, MiB, GiB, kB, MB, GB.
type ByteSize uint64

var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"kB", 1000},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses "64MiB", "512kB", "4096" and the like.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)

	factor := uint64(1)

	for _, u := range sizeUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			s, factor = strings.TrimSpace(num), u.factor

			break
		}
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadSize, s)
	}

	if n > math.MaxUint64/factor {
		return 0, fmt.Errorf("%w: %q overflows", errBadSize, s)
	}

	return ByteSize(n * factor), nil
}

func (b ByteSize) String() string {
	for _, u := range sizeUnits[:3] {
		if b != 0 && uint64(b)%u.factor == 0 && uint64(b)/u.factor < 1<<10 {
			return strconv.FormatUint(uint64(b)/u.factor, 10) + u.suffix
		}
	}

	return strconv.FormatUint(uint64(b), 10)
}

// Set implements pflag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}

	*b = v

	return nil
}

// Type implements pflag.Value.
func (*ByteSize) Type() string { return "size" }

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)

		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", errBadSize, data)
	}

	return b.Set(s)
}

// Duration is a time.Duration written as "1.5s", "2m" or a number of
// seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// Set implements pflag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// Type implements pflag.Value.
func (*Duration) Type() string { return "duration" }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))

		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}

	return d.Set(s)
}
