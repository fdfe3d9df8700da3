// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Helpers for editing the backing yaml.Node document in place. Mutations go
// through these so that key order, comments, and scalar quoting in the
// operator's file survive a save.

// documentRoot returns the top-level mapping node of a parsed document,
// creating it when the document is empty.
func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		doc.Kind = yaml.DocumentNode
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		root.Kind = yaml.MappingNode
		root.Tag = "!!map"
		root.Content = nil
	}
	return root
}

// getOrCreateMapValue finds the value node for a given key in a mapping node.
// If not found, it appends a new key/value pair and returns the new value node.
func getOrCreateMapValue(mapNode *yaml.Node, key string) *yaml.Node {
	if mapNode.Kind != yaml.MappingNode {
		mapNode.Kind = yaml.MappingNode
		mapNode.Tag = "!!map"
		mapNode.Content = nil
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	mapNode.Content = append(mapNode.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key})
	val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
	mapNode.Content = append(mapNode.Content, val)
	return val
}

// findMapKeyIndex returns the index of the key node in a mapping (index of
// key, not value), or -1 when not found.
func findMapKeyIndex(mapNode *yaml.Node, key string) int {
	if mapNode == nil || mapNode.Kind != yaml.MappingNode {
		return -1
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i] != nil && mapNode.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// removeMapKey deletes a key/value pair from a mapping node.
func removeMapKey(mapNode *yaml.Node, key string) {
	if mapNode == nil || mapNode.Kind != yaml.MappingNode || key == "" {
		return
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i] != nil && mapNode.Content[i].Value == key {
			mapNode.Content = append(mapNode.Content[:i], mapNode.Content[i+2:]...)
			return
		}
	}
}

// deepCopyNode creates a deep copy of a yaml.Node graph.
func deepCopyNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	cp := *n
	if len(n.Content) > 0 {
		cp.Content = make([]*yaml.Node, len(n.Content))
		for i := range n.Content {
			cp.Content[i] = deepCopyNode(n.Content[i])
		}
	}
	return &cp
}

// mergeNodePreserve merges src into dst while reusing destination nodes to
// keep comments and scalar quoting. Mappings merge key-wise; sequences are
// replaced wholesale; scalars keep their existing style.
func mergeNodePreserve(dst, src *yaml.Node) {
	if dst == nil || src == nil {
		return
	}
	switch src.Kind {
	case yaml.MappingNode:
		if dst.Kind != yaml.MappingNode {
			dst.Kind = yaml.MappingNode
			dst.Tag = "!!map"
			dst.Style = 0
			dst.Content = nil
		}
		for i := 0; i+1 < len(src.Content); i += 2 {
			sk := src.Content[i]
			sv := src.Content[i+1]
			if idx := findMapKeyIndex(dst, sk.Value); idx >= 0 {
				mergeNodePreserve(dst.Content[idx+1], sv)
			} else {
				dst.Content = append(dst.Content, deepCopyNode(sk), deepCopyNode(sv))
			}
		}
		// Drop keys absent from src so deletes propagate
		for i := 0; i+1 < len(dst.Content); {
			if findMapKeyIndex(src, dst.Content[i].Value) < 0 {
				dst.Content = append(dst.Content[:i], dst.Content[i+2:]...)
				continue
			}
			i += 2
		}
	case yaml.SequenceNode:
		dst.Kind = yaml.SequenceNode
		dst.Tag = "!!seq"
		dst.Content = make([]*yaml.Node, len(src.Content))
		for i := range src.Content {
			dst.Content[i] = deepCopyNode(src.Content[i])
		}
	case yaml.ScalarNode:
		// Update tag and value but keep Style from dst to preserve quoting
		dst.Kind = src.Kind
		dst.Tag = src.Tag
		dst.Value = src.Value
		dst.Content = nil
	default:
		dst.Kind = src.Kind
		dst.Tag = src.Tag
		dst.Value = src.Value
		dst.Content = nil
		if len(src.Content) > 0 {
			dst.Content = make([]*yaml.Node, len(src.Content))
			for i := range src.Content {
				dst.Content[i] = deepCopyNode(src.Content[i])
			}
		}
	}
}

// encodeValueNode converts a Go value into a yaml.Node subtree in block
// notation.
func encodeValueNode(value any) (*yaml.Node, error) {
	node := &yaml.Node{}
	if err := node.Encode(value); err != nil {
		return nil, err
	}
	normalizeCollectionNodeStyles(node)
	return node, nil
}

// normalizeCollectionNodeStyles forces YAML collections to use block notation,
// keeping lists and maps readable. Empty sequences retain flow style ([]) so
// empty list markers remain compact.
func normalizeCollectionNodeStyles(node *yaml.Node) {
	if node == nil {
		return
	}
	switch node.Kind {
	case yaml.MappingNode:
		node.Style = 0
		for i := range node.Content {
			normalizeCollectionNodeStyles(node.Content[i])
		}
	case yaml.SequenceNode:
		if len(node.Content) == 0 {
			node.Style = yaml.FlowStyle
		} else {
			node.Style = 0
		}
		for i := range node.Content {
			normalizeCollectionNodeStyles(node.Content[i])
		}
	default:
		// Scalars keep their existing style to preserve quoting
	}
}

// encodeDocument renders a document node with two-space indentation.
func encodeDocument(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return normalizeCommentIndentation(buf.Bytes()), nil
}

// normalizeCommentIndentation removes indentation from standalone YAML comment
// lines to keep them left aligned.
func normalizeCommentIndentation(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	changed := false
	for i, line := range lines {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == 0 || trimmed[0] != '#' {
			continue
		}
		if len(trimmed) == len(line) {
			continue
		}
		lines[i] = append([]byte(nil), trimmed...)
		changed = true
	}
	if !changed {
		return data
	}
	return bytes.Join(lines, []byte("\n"))
}
