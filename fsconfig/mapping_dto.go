package fsconfig

import (
	"fmt"

	"github.com/fileshare-project/fsp/vfs"
)

// pathNodeDTO is the JSON-serializable mirror of a vfs.PathNode. vfs.PathNode
// keeps its fields unexported to preserve its invariants (exactly one of
// {children, hostPath} populated, names pre-trimmed/validated), so
// persistence goes through this conversion layer rather than exposing those
// internals directly.
type pathNodeDTO struct {
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Visibility string        `json:"visibility"`
	HostPath   string        `json:"host_path,omitempty"`
	Children   []pathNodeDTO `json:"children,omitempty"`
}

type mappingDTO struct {
	Root      pathNodeDTO `json:"root"`
	Forbidden []string    `json:"forbidden,omitempty"`
}

func nodeToDTO(n *vfs.PathNode) pathNodeDTO {
	dto := pathNodeDTO{
		Name:       n.Name(),
		Kind:       n.Type().String(),
		Visibility: n.Visibility().String(),
		HostPath:   n.HostPath(),
	}
	children := n.Children()
	if len(children) > 0 {
		dto.Children = make([]pathNodeDTO, 0, len(children))
		for _, child := range children {
			dto.Children = append(dto.Children, nodeToDTO(child))
		}
	}
	return dto
}

func visibilityFromString(s string) vfs.Visibility {
	if s == "HIDDEN" {
		return vfs.Hidden
	}
	return vfs.Visible
}

func dtoToNode(dto pathNodeDTO) (*vfs.PathNode, error) {
	visibility := visibilityFromString(dto.Visibility)

	switch dto.Kind {
	case "HOST_FILE":
		return vfs.NewHostNode(dto.Name, vfs.HostFile, dto.HostPath, visibility)
	case "HOST_FOLDER":
		return vfs.NewHostNode(dto.Name, vfs.HostFolder, dto.HostPath, visibility)
	case "VIRTUAL":
		node, err := vfs.NewVirtualNode(dto.Name, visibility)
		if err != nil {
			return nil, err
		}
		for _, childDTO := range dto.Children {
			child, err := dtoToNode(childDTO)
			if err != nil {
				return nil, err
			}
			if err := node.AddChild(child); err != nil {
				return nil, err
			}
		}
		return node, nil
	default:
		return nil, fmt.Errorf("fsconfig: unknown node kind %q", dto.Kind)
	}
}

func mappingToDTO(m *vfs.FileMapping) mappingDTO {
	return mappingDTO{
		Root:      nodeToDTO(m.Root()),
		Forbidden: m.ForbiddenPaths(),
	}
}

func dtoToMapping(dto mappingDTO) (*vfs.FileMapping, error) {
	root, err := dtoToNode(dto.Root)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: dtoToMapping: %w", err)
	}

	m, err := vfs.NewFileMapping(root.Name())
	if err != nil {
		return nil, fmt.Errorf("fsconfig: dtoToMapping: %w", err)
	}
	for name, child := range root.Children() {
		if err := m.Root().AddChild(child); err != nil {
			return nil, fmt.Errorf("fsconfig: dtoToMapping: adding %q: %w", name, err)
		}
	}
	m.Root().SetVisibility(root.Visibility())
	for _, path := range dto.Forbidden {
		m.Forbid(path)
	}
	return m, nil
}
