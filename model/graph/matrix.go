package graph

import (
	"fmt"
	"sort"
	"strings"
)

type (
	// Strategy controls matrix fan-out for a job.
	Strategy struct {
		// Matrix maps axis names to candidate values; the job is expanded
		// into the cartesian product of all axes.
		Matrix map[string][]interface{} `json:"matrix,omitempty" yaml:"matrix,omitempty"`
		// Include adds extra variants or augments existing ones with
		// additional keys.
		Include []map[string]interface{} `json:"include,omitempty" yaml:"include,omitempty"`
		// Exclude removes variants whose values match every exclude key.
		Exclude []map[string]interface{} `json:"exclude,omitempty" yaml:"exclude,omitempty"`
		// FailFast cancels queued sibling variants once one fails.
		// Defaults to true.
		FailFast *bool `json:"failFast,omitempty" yaml:"failFast,omitempty"`
		// MaxParallel caps concurrently running variants, 0 means no cap.
		MaxParallel int `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	}

	// Variant is one concrete assignment of matrix axes to values.
	Variant map[string]interface{}
)

// IsFailFast reports the effective fail-fast setting.
func (s *Strategy) IsFailFast() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// Clone creates a deep copy of the strategy.
func (s *Strategy) Clone() *Strategy {
	if s == nil {
		return nil
	}
	clone := &Strategy{MaxParallel: s.MaxParallel}
	if s.FailFast != nil {
		failFast := *s.FailFast
		clone.FailFast = &failFast
	}
	if s.Matrix != nil {
		clone.Matrix = make(map[string][]interface{}, len(s.Matrix))
		for axis, values := range s.Matrix {
			clone.Matrix[axis] = append([]interface{}{}, values...)
		}
	}
	clone.Include = cloneVariantList(s.Include)
	clone.Exclude = cloneVariantList(s.Exclude)
	return clone
}

// Variants expands the strategy into the ordered list of concrete variants.
// Axes are iterated in lexicographic name order, values in declared order,
// so expansion is deterministic. A nil strategy or empty matrix yields a
// single nil variant (the job runs once).
func (s *Strategy) Variants() []Variant {
	if s == nil || len(s.Matrix) == 0 {
		if s != nil && len(s.Include) > 0 {
			return includeOnlyVariants(s.Include)
		}
		return []Variant{nil}
	}

	axes := make([]string, 0, len(s.Matrix))
	for axis := range s.Matrix {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	variants := []Variant{{}}
	for _, axis := range axes {
		var next []Variant
		for _, base := range variants {
			for _, value := range s.Matrix[axis] {
				variant := base.clone()
				variant[axis] = value
				next = append(next, variant)
			}
		}
		variants = next
	}

	variants = s.applyExcludes(variants)
	return s.applyIncludes(variants)
}

func (s *Strategy) applyExcludes(variants []Variant) []Variant {
	if len(s.Exclude) == 0 {
		return variants
	}
	kept := variants[:0]
	for _, variant := range variants {
		excluded := false
		for _, exclude := range s.Exclude {
			if variant.covers(exclude) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, variant)
		}
	}
	return kept
}

// applyIncludes augments matching variants with the include's extra keys; an
// include whose axis values match no existing variant appends a new one.
func (s *Strategy) applyIncludes(variants []Variant) []Variant {
	for _, include := range s.Include {
		onAxes := Variant{}
		for key, value := range include {
			if _, ok := s.Matrix[key]; ok {
				onAxes[key] = value
			}
		}
		matched := false
		for _, variant := range variants {
			// an include without axis keys augments every variant
			if len(onAxes) == 0 || variant.covers(onAxes) {
				matched = true
				for key, value := range include {
					if _, onAxis := s.Matrix[key]; !onAxis {
						variant[key] = value
					}
				}
			}
		}
		if !matched {
			variants = append(variants, Variant(include).clone())
		}
	}
	return variants
}

func includeOnlyVariants(includes []map[string]interface{}) []Variant {
	variants := make([]Variant, 0, len(includes))
	for _, include := range includes {
		variants = append(variants, Variant(include).clone())
	}
	return variants
}

// Key renders a stable, human readable variant identifier such as
// "os=linux,version=1.22".
func (v Variant) Key() string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, v[key]))
	}
	return strings.Join(parts, ",")
}

// covers reports whether the variant carries every key of other with an
// equal value.
func (v Variant) covers(other Variant) bool {
	if len(other) == 0 {
		return false
	}
	for key, value := range other {
		if fmt.Sprintf("%v", v[key]) != fmt.Sprintf("%v", value) {
			return false
		}
	}
	return true
}

func (v Variant) clone() Variant {
	clone := make(Variant, len(v))
	for key, value := range v {
		clone[key] = value
	}
	return clone
}

func cloneVariantList(source []map[string]interface{}) []map[string]interface{} {
	if source == nil {
		return nil
	}
	clone := make([]map[string]interface{}, len(source))
	for i, item := range source {
		clone[i] = Variant(item).clone()
	}
	return clone
}
