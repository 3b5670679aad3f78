package overlay

import (
	"sort"
	"strings"

	"livecam/internal/pipeline"
)

// Attribute keys listed first, in this order; the rest follow alphabetically
var attributeOrder = []string{"gender", "age", "emotion"}

// FromRegions builds annotations for detected regions. A region without a
// label is captioned with a summary of its attributes.
func FromRegions(regions []pipeline.DetectedRegion) []Annotation {
	annotations := make([]Annotation, 0, len(regions))
	for _, region := range regions {
		label := region.Label
		if label == "" {
			label = SummarizeAttributes(region.Attributes)
		}
		annotations = append(annotations, Annotation{
			Rect:  region.Rect,
			Label: label,
			Stale: region.Stale,
		})
	}
	return annotations
}

// SummarizeAttributes renders attributes as "Gender: male, Age: 31"
func SummarizeAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}

	keys := make([]string, 0, len(attrs))
	seen := make(map[string]bool, len(attrs))
	for _, k := range attributeOrder {
		if _, ok := attrs[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}

	var rest []string
	for k := range attrs {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if attrs[k] == "" {
			continue
		}
		parts = append(parts, displayName(k)+": "+attrs[k])
	}
	return strings.Join(parts, ", ")
}

// displayName turns "head_pose" into "Head pose"
func displayName(key string) string {
	name := strings.ReplaceAll(key, "_", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
