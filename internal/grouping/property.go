package grouping

import (
	"context"
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/metadata"
)

const (
	defaultOtherValuesLabel       = "Other"
	defaultUnspecifiedValuesLabel = "Not specified"
)

// groupByProperties buckets the node by its property grouping specs. Specs
// apply in order; the first spec that yields a bucket consumes the node.
func (g *Grouper) groupByProperties(ctx context.Context, node *hierarchy.SourceNode, params *hierarchy.PropertyGroupingParams, buckets *linkedhashmap.Map) (bool, error) {
	for _, spec := range params.Properties {
		if spec.Value == nil {
			if !params.CreateGroupForUnspecifiedValues {
				continue
			}
			label := params.UnspecifiedValuesLabel
			if label == "" {
				label = defaultUnspecifiedValuesLabel
			}
			key := hierarchy.PropertyValueGroupingNodeKey{
				PropertyClassName: params.PropertyClassName,
				PropertyName:      spec.PropertyName,
				FormattedValue:    "",
			}
			addToBucket(buckets, &bucket{key: key, label: label}, node)
			return true, nil
		}

		if len(spec.Ranges) > 0 {
			return g.groupByRanges(node, params.PropertyClassName, spec, buckets), nil
		}

		formatted, err := g.formatter.Format(ctx, *spec.Value)
		if err != nil {
			return false, fmt.Errorf("%w: formatting property %s.%s: %w",
				hierarchy.ErrMetadataResolutionFailed, params.PropertyClassName, spec.PropertyName, err)
		}
		key := hierarchy.PropertyValueGroupingNodeKey{
			PropertyClassName: params.PropertyClassName,
			PropertyName:      spec.PropertyName,
			FormattedValue:    formatted,
		}
		addToBucket(buckets, &bucket{key: key, label: formatted}, node)
		return true, nil
	}
	return false, nil
}

func (g *Grouper) groupByRanges(node *hierarchy.SourceNode, propertyClassName string, spec hierarchy.PropertyGroupSpec, buckets *linkedhashmap.Map) bool {
	value, ok := numericValue(*spec.Value)
	if !ok {
		return false
	}
	for _, r := range spec.Ranges {
		if value < r.FromValue || value > r.ToValue {
			continue
		}
		label := r.Label
		if label == "" {
			label = fmt.Sprintf("%v - %v", r.FromValue, r.ToValue)
		}
		key := hierarchy.PropertyRangeGroupingNodeKey{
			PropertyClassName: propertyClassName,
			PropertyName:      spec.PropertyName,
			FromValue:         r.FromValue,
			ToValue:           r.ToValue,
		}
		addToBucket(buckets, &bucket{key: key, label: label}, node)
		return true
	}
	if !spec.CreateGroupForOtherValues {
		return false
	}
	label := spec.OtherValuesLabel
	if label == "" {
		label = defaultOtherValuesLabel
	}
	key := hierarchy.PropertyOtherValuesGroupingNodeKey{
		PropertyClassName: propertyClassName,
		PropertyName:      spec.PropertyName,
	}
	addToBucket(buckets, &bucket{key: key, label: label}, node)
	return true
}

func numericValue(v metadata.TypedValue) (float64, bool) {
	switch v.Kind {
	case metadata.KindInt:
		return float64(v.Int), true
	case metadata.KindFloat:
		return v.Float, true
	case metadata.KindDateTime:
		// date ranges compare on the unix epoch scale
		return float64(v.Time.Unix()), true
	}
	return 0, false
}
