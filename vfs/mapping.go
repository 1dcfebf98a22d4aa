package vfs

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// FileMapping pairs a virtual tree (rooted at a VIRTUAL node with the
// configured root name) with a set of forbidden host paths. Forbidden
// entries override any VISIBLE mapping and any explicit send, per the
// forbidden-dominance invariant.
type FileMapping struct {
	root      *PathNode
	forbidden map[string]struct{}
}

// NewFileMapping creates an empty FileMapping whose root node is VIRTUAL,
// VISIBLE, and named rootName (DefaultRootName if empty).
func NewFileMapping(rootName string) (*FileMapping, error) {
	if rootName == "" {
		rootName = DefaultRootName
	}
	root, err := NewVirtualNode(rootName, Visible)
	if err != nil {
		return nil, fmt.Errorf("vfs: NewFileMapping: %w", err)
	}
	return &FileMapping{root: root, forbidden: make(map[string]struct{})}, nil
}

// Root returns the mapping's root node.
func (m *FileMapping) Root() *PathNode { return m.root }

// Forbid adds an absolute host path to the forbidden set. Any descendant of
// (or the path itself) is excluded from translation and transfer regardless
// of how it is otherwise mapped.
func (m *FileMapping) Forbid(hostPath string) {
	m.forbidden[filepath.Clean(hostPath)] = struct{}{}
}

// ForbiddenPaths returns the set of host paths registered with Forbid, in
// no particular order. Used by fsconfig to persist the mapping.
func (m *FileMapping) ForbiddenPaths() []string {
	out := make([]string, 0, len(m.forbidden))
	for p := range m.forbidden {
		out = append(out, p)
	}
	return out
}

// IsForbidden reports whether hostPath is equal to, or a descendant of, any
// forbidden entry, compared component-wise.
func (m *FileMapping) IsForbidden(hostPath string) bool {
	clean := filepath.Clean(hostPath)
	for forbidden := range m.forbidden {
		if pathHasPrefix(clean, forbidden) {
			return true
		}
	}
	return false
}

// pathHasPrefix reports whether path equals prefix or prefix is a
// component-wise ancestor of path (not merely a string prefix: "/foobar"
// must not match prefix "/foo").
func pathHasPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return strings.HasPrefix(path, prefix)
}

// splitVirtual splits a virtual path into its non-empty components using
// '/' as the separator, the virtual path convention on every platform.
func splitVirtual(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stripRootPrefix removes an optional leading root-name component from a
// virtual path string before walking children.
func (m *FileMapping) stripRootPrefix(path string) string {
	trimmed := strings.Trim(path, "/")
	name := m.root.Name()
	if trimmed == name {
		return ""
	}
	if strings.HasPrefix(trimmed, name+"/") {
		return strings.TrimPrefix(trimmed, name+"/")
	}
	return trimmed
}

// FindVirtualNode resolves a virtual path to its node. The optional leading
// root-name prefix is stripped first; remaining components are walked
// child-by-child. A HOST_FOLDER node reached mid-walk is returned
// immediately (its own visibility still applies) since everything beneath
// it belongs to the host filesystem, not the virtual tree. When onlyVisible
// is true, encountering a HIDDEN node anywhere along the walk returns
// false.
func (m *FileMapping) FindVirtualNode(virtualPath string, onlyVisible bool) (*PathNode, bool) {
	components := splitVirtual(m.stripRootPrefix(virtualPath))

	current := m.root
	if onlyVisible && current.Visibility() == Hidden {
		return nil, false
	}
	for _, component := range components {
		children := current.Children()
		if children == nil {
			return nil, false
		}
		next, ok := children[component]
		if !ok {
			return nil, false
		}
		if onlyVisible && next.Visibility() == Hidden {
			return nil, false
		}
		current = next
		if current.Type() == HostFolder || current.Type() == HostFile {
			if m.IsForbidden(current.HostPath()) {
				logrus.WithFields(logrus.Fields{
					"function":  "FileMapping.FindVirtualNode",
					"host_path": current.HostPath(),
				}).Warn("resolved node is forbidden")
				return nil, false
			}
		}
		if current.Type() == HostFolder {
			return current, true
		}
	}
	return current, true
}

// VirtualToHost resolves a virtual path to the host path it refers to. It
// strips the optional root prefix, walks children component by component,
// and on reaching a HOST_FOLDER node appends the remaining components to
// that node's host path. Returns ("", false) if the path does not resolve,
// is HIDDEN under onlyVisible, or resolves to a forbidden host path.
func (m *FileMapping) VirtualToHost(virtualPath string, onlyVisible bool) (string, bool) {
	components := splitVirtual(m.stripRootPrefix(virtualPath))

	current := m.root
	if onlyVisible && current.Visibility() == Hidden {
		return "", false
	}
	for i, component := range components {
		children := current.Children()
		if children == nil {
			return "", false
		}
		next, ok := children[component]
		if !ok {
			return "", false
		}
		if onlyVisible && next.Visibility() == Hidden {
			return "", false
		}
		current = next

		switch current.Type() {
		case HostFile:
			if i != len(components)-1 {
				return "", false
			}
			return m.checkForbidden(current.HostPath())
		case HostFolder:
			rest := components[i+1:]
			host := filepath.Join(append([]string{current.HostPath()}, rest...)...)
			return m.checkForbidden(host)
		}
	}
	// Walk ended on a VIRTUAL node: no host path to resolve.
	return "", false
}

func (m *FileMapping) checkForbidden(hostPath string) (string, bool) {
	if m.IsForbidden(hostPath) {
		logrus.WithFields(logrus.Fields{
			"function":  "FileMapping.checkForbidden",
			"host_path": hostPath,
		}).Warn("resolved host path is forbidden")
		return "", false
	}
	return hostPath, true
}

// HostToVirtual performs the inverse translation: given a host path, find
// the virtual path that maps onto it. It runs a depth-first search from the
// root, skipping HIDDEN subtrees entirely, and returns the first match in
// DFS order. A HOST_FILE node matches iff its host path equals the input
// exactly; a HOST_FOLDER node matches iff its host path is a component-wise
// prefix of the input, in which case the remainder is appended to the
// virtual path accumulated so far.
func (m *FileMapping) HostToVirtual(hostPath string) (string, bool) {
	clean := filepath.Clean(hostPath)
	virtual, ok := hostToVirtualDFS(m.root, clean, []string{})
	if !ok {
		return "", false
	}
	return "/" + strings.Join(virtual, "/"), true
}

func hostToVirtualDFS(node *PathNode, hostPath string, stack []string) ([]string, bool) {
	if node.Visibility() == Hidden {
		return nil, false
	}
	path := append(stack, node.Name())

	switch node.Type() {
	case Virtual:
		for _, child := range node.Children() {
			if result, ok := hostToVirtualDFS(child, hostPath, path); ok {
				return result, true
			}
		}
		return nil, false
	case HostFile:
		if node.HostPath() == hostPath {
			return path, true
		}
		return nil, false
	case HostFolder:
		rest, ok := componentsBeyondPrefix(hostPath, node.HostPath())
		if !ok {
			return nil, false
		}
		return append(path, rest...), true
	default:
		return nil, false
	}
}

// componentsBeyondPrefix reports whether prefix is a component-wise
// ancestor of (or equal to) path, returning the path components beyond the
// prefix when it is.
func componentsBeyondPrefix(path, prefix string) ([]string, bool) {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return nil, true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	if !strings.HasPrefix(path, prefix) {
		return nil, false
	}
	remainder := strings.TrimPrefix(path, prefix)
	return strings.Split(remainder, sep), true
}
