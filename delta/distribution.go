package delta

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gopkg.in/yaml.v3"
)

// Pattern selects how workload values are spread over their range
type Pattern int

const (
	PatternUniform   Pattern = iota
	PatternHot               // Exponential skew toward the low end of the range
	PatternGeometric         // Geometric skew, steeper than PatternHot
	PatternFixed             // Always the middle of the range
)

// String returns the string representation of Pattern
func (p Pattern) String() string {
	switch p {
	case PatternUniform:
		return "uniform"
	case PatternHot:
		return "hot"
	case PatternGeometric:
		return "geometric"
	case PatternFixed:
		return "fixed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePattern parses a string into a Pattern
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "uniform":
		return PatternUniform, nil
	case "hot":
		return PatternHot, nil
	case "geometric":
		return PatternGeometric, nil
	case "fixed":
		return PatternFixed, nil
	default:
		return PatternUniform, fmt.Errorf("invalid pattern: %s (must be 'uniform', 'hot', 'geometric' or 'fixed')", s)
	}
}

// MarshalJSON implements json.Marshaler for Pattern
func (p Pattern) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler for Pattern
func (p *Pattern) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePattern(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Pattern
func (p Pattern) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Pattern
func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePattern(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// sampler draws integers from [min, max]
type sampler interface {
	sample(rng *rand.Rand, min, max int) int
}

func (p Pattern) sampler() sampler {
	switch p {
	case PatternHot:
		return hotSampler{lambda: 0.5}
	case PatternGeometric:
		return geometricSampler{p: 0.3}
	case PatternFixed:
		return fixedSampler{frac: 0.5}
	default:
		return uniformSampler{}
	}
}

type uniformSampler struct{}

func (uniformSampler) sample(rng *rand.Rand, min, max int) int {
	if min >= max {
		return min
	}
	return min + rng.Intn(max-min+1)
}

// hotSampler maps an exponential variate onto the range. Values past
// 6/lambda (about 95% mass for lambda=0.5) clamp to max.
type hotSampler struct {
	lambda float64
}

func (h hotSampler) sample(rng *rand.Rand, min, max int) int {
	if min >= max {
		return min
	}
	u := rng.Float64()
	if u == 0 {
		u = 1e-10
	}
	x := -math.Log(u) / h.lambda
	frac := math.Min(x/(6.0/h.lambda), 1.0)
	return min + int(frac*float64(max-min))
}

// geometricSampler counts failures before the first success
type geometricSampler struct {
	p float64
}

func (g geometricSampler) sample(rng *rand.Rand, min, max int) int {
	if min >= max {
		return min
	}
	u := math.Min(math.Max(rng.Float64(), 1e-10), 0.999999)
	k := 0
	if g.p > 0 && g.p < 1 {
		k = max0(int(math.Log(1-u) / math.Log(1-g.p)))
	}
	if k > max-min {
		k = max - min
	}
	return min + k
}

type fixedSampler struct {
	frac float64
}

func (f fixedSampler) sample(_ *rand.Rand, min, max int) int {
	if min >= max {
		return min
	}
	return min + int(f.frac*float64(max-min))
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
