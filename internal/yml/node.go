package yml

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is a thin alias over yaml.Node adding lookup and traversal helpers
// used by the pipeline definition loader.
type Node yaml.Node

// Root unwraps a document node so callers always operate on the mapping.
func (n *Node) Root() *Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return (*Node)(n.Content[0])
	}
	return n
}

// Lookup returns the value node for the given mapping key, nil when absent.
// Key comparison is case-insensitive.
func (n *Node) Lookup(name string) *Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if strings.EqualFold(n.Content[i].Value, name) {
			return (*Node)(n.Content[i+1])
		}
	}
	return nil
}

// Pairs iterates mapping entries in declaration order.
func (n *Node) Pairs(callback func(key string, node *Node) error) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := callback(n.Content[i].Value, (*Node)(n.Content[i+1])); err != nil {
			return err
		}
	}
	return nil
}

// Items iterates sequence entries in declaration order.
func (n *Node) Items(callback func(index int, node *Node) error) error {
	for i := 0; i < len(n.Content); i++ {
		if err := callback(i, (*Node)(n.Content[i])); err != nil {
			return err
		}
	}
	return nil
}

// Interface converts the node into plain Go values (string, bool, int,
// float64, map[string]interface{}, []interface{}).
func (n *Node) Interface() interface{} {
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!str":
			return n.Value
		case "!!bool":
			return parseBool(n.Value)
		case "!!null":
			return nil
		case "!!float":
			return parseFloat(n.Value)
		case "!!int":
			return parseInt(n.Value)
		default:
			return n.Value
		}
	case yaml.MappingNode:
		aMap := make(map[string]interface{})
		for i := 0; i+1 < len(n.Content); i += 2 {
			aMap[n.Content[i].Value] = (*Node)(n.Content[i+1]).Interface()
		}
		return aMap
	case yaml.SequenceNode:
		aSlice := make([]interface{}, 0, len(n.Content))
		for i := 0; i < len(n.Content); i++ {
			aSlice = append(aSlice, (*Node)(n.Content[i]).Interface())
		}
		return aSlice
	}
	return nil
}

// Strings coerces a scalar or a sequence of scalars into a string slice;
// branch filters and needs lists accept both forms.
func (n *Node) Strings() []string {
	switch n.Kind {
	case yaml.ScalarNode:
		return []string{n.Value}
	case yaml.SequenceNode:
		var result []string
		for i := 0; i < len(n.Content); i++ {
			result = append(result, n.Content[i].Value)
		}
		return result
	}
	return nil
}

// StringMap coerces a mapping of scalars into map[string]string.
func (n *Node) StringMap() map[string]string {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	result := make(map[string]string)
	for i := 0; i+1 < len(n.Content); i += 2 {
		result[n.Content[i].Value] = n.Content[i+1].Value
	}
	return result
}

func parseBool(value string) bool {
	ret, _ := strconv.ParseBool(value)
	return ret
}

func parseFloat(value string) float64 {
	ret, _ := strconv.ParseFloat(value, 64)
	return ret
}

func parseInt(value string) int {
	ret, _ := strconv.Atoi(value)
	return ret
}
