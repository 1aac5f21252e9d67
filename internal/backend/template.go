package backend

import (
	"encoding/json"
	"fmt"
	"os"
)

// Template is a workflow graph with two nodes the client rewrites per run:
// the image-load node and the sampler node.
type Template struct {
	raw       []byte
	imageNode string
	seedNode  string
}

// LoadTemplate reads a workflow JSON file. See ParseTemplate.
func LoadTemplate(path, imageNode, seedNode string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	return ParseTemplate(data, imageNode, seedNode)
}

// ParseTemplate validates that both nodes exist and carry an inputs object.
func ParseTemplate(data []byte, imageNode, seedNode string) (*Template, error) {
	var graph map[string]map[string]any
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}
	for _, id := range []string{imageNode, seedNode} {
		node, ok := graph[id]
		if !ok {
			return nil, fmt.Errorf("workflow template: node %q not found", id)
		}
		if _, ok := node["inputs"].(map[string]any); !ok {
			return nil, fmt.Errorf("workflow template: node %q has no inputs", id)
		}
	}
	return &Template{raw: data, imageNode: imageNode, seedNode: seedNode}, nil
}

// Build returns a fresh copy of the graph with the image reference and seed
// substituted. The template itself is never mutated.
func (t *Template) Build(imageRef string, seed int) (map[string]any, error) {
	var graph map[string]any
	if err := json.Unmarshal(t.raw, &graph); err != nil {
		return nil, fmt.Errorf("copy workflow template: %w", err)
	}
	inputs(graph, t.imageNode)["image"] = imageRef
	inputs(graph, t.seedNode)["seed"] = seed
	return graph, nil
}

func inputs(graph map[string]any, node string) map[string]any {
	return graph[node].(map[string]any)["inputs"].(map[string]any)
}
