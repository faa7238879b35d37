package descriptor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Overrides is the local override file layered on top of the fetched shell
// configuration. It exists for development and user preferences: pinning a
// fragment URL to a local dev server, adding a sandbox frame, reordering
// frames, or pointing an endpoint at a local backend.
type Overrides struct {
	Frames    []Frame              `json:"frames" yaml:"frames"`
	Fragments []FragmentDescriptor `json:"fragments" yaml:"fragments"`
	Endpoints map[string]string    `json:"endpoints" yaml:"endpoints"`
}

// Empty reports whether the overrides change nothing.
func (o Overrides) Empty() bool {
	return len(o.Frames) == 0 && len(o.Fragments) == 0 && len(o.Endpoints) == 0
}

// LoadOverrides reads the override file. A missing file is not an error;
// it yields empty overrides so the shell runs on the fetched configuration
// alone.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Overrides{}, nil
	}
	if err != nil {
		return Overrides{}, fmt.Errorf("reading overrides: %w", err)
	}

	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("parsing overrides %s: %w", path, err)
	}
	return o, nil
}

// Apply layers the overrides onto cfg and returns the merged configuration.
// Frames and fragments replace entries with the same id and append new ones;
// endpoints merge key-wise with override values winning. cfg itself is not
// modified.
func (o Overrides) Apply(cfg ShellConfiguration) (ShellConfiguration, error) {
	merged := cfg.Clone()

	for _, fr := range o.Frames {
		replaced := false
		for i := range merged.Frames {
			if merged.Frames[i].ID == fr.ID {
				merged.Frames[i] = fr
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Frames = append(merged.Frames, fr)
		}
	}

	for _, d := range o.Fragments {
		if d.Kind == "" {
			d.Kind = KindRemoteModule
		}
		merged.AvailableFragments[d.ID] = d
	}

	for k, v := range o.Endpoints {
		merged.ServiceEndpoints[k] = v
	}

	if err := merged.Validate(); err != nil {
		return ShellConfiguration{}, fmt.Errorf("overrides produce invalid configuration: %w", err)
	}
	return merged, nil
}

// SaveFrames updates the frames section of the override file, preserving
// comments and formatting in other sections by using yaml.Node. This is the
// persistence path for layout preference edits.
func SaveFrames(path string, frames []Frame) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading overrides: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing overrides: %w", err)
		}
	}

	framesNode := buildFramesNode(frames)

	if doc.Kind == 0 {
		// Empty or new file, create document structure.
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "frames"},
						framesNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			// Find and replace the frames key, or append it.
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == "frames" {
					root.Content[i+1] = framesNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: "frames"},
					framesNode,
				)
			}
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling overrides: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename).
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating overrides directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".tessera-overrides.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// buildFramesNode creates a yaml.Node representing the frames array.
func buildFramesNode(frames []Frame) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(frames)),
	}

	for _, fr := range frames {
		frameNode := &yaml.Node{
			Kind:    yaml.MappingNode,
			Content: make([]*yaml.Node, 0),
		}

		frameNode.Content = append(frameNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "id"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: fr.ID},
		)

		if fr.Name != "" {
			frameNode.Content = append(frameNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "name"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: fr.Name},
			)
		}

		frameNode.Content = append(frameNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "order"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: strconv.Itoa(fr.Order)},
		)

		assignedNode := &yaml.Node{
			Kind:    yaml.SequenceNode,
			Style:   yaml.FlowStyle,
			Content: make([]*yaml.Node, 0, len(fr.AssignedFragmentIDs)),
		}
		for _, id := range fr.AssignedFragmentIDs {
			assignedNode.Content = append(assignedNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: id})
		}
		frameNode.Content = append(frameNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "assignedFragmentIds"},
			assignedNode,
		)

		node.Content = append(node.Content, frameNode)
	}

	return node
}
