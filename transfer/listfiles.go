package transfer

import (
	"fmt"
	"os"
	"sort"

	"github.com/fileshare-project/fsp/varint"
	"github.com/fileshare-project/fsp/vfs"
	"github.com/fileshare-project/fsp/wire"
)

// ListPacketBudget is the byte budget one encoded FILE_LIST payload may
// occupy. Each page carries the largest number of entries whose encoding
// fits within it; the page-size field of the LIST_FILES request does not
// influence page sizing.
const ListPacketBudget = 4096

// listHeaderReserve is budget set aside for the three leading VarInts of a
// FILE_LIST payload (total-pages, current-page, item-count), sized for the
// largest values a single connection can realistically produce.
const listHeaderReserve = 15

// ErrPathNotFound indicates a LIST_FILES or transfer request referenced a
// virtual path that does not resolve (not found, hidden, or forbidden).
var ErrPathNotFound = fmt.Errorf("transfer: virtual path not found")

// ErrPageOutOfRange indicates a requested page number is beyond the last
// available page.
var ErrPageOutOfRange = fmt.Errorf("transfer: requested page is out of range")

// ListFilesProducer enumerates the immediate entries of a virtual directory
// (a VIRTUAL node's visible children, or a HOST_FOLDER node's real host
// directory entries) and serves them out a page at a time, each page
// filled up to ListPacketBudget encoded bytes.
type ListFilesProducer struct {
	pages [][]wire.FileEntry
}

// entryWireSize is the encoded size of one FILE_LIST item: VarInt length
// prefix, path bytes, type byte.
func entryWireSize(e wire.FileEntry) int {
	return varint.Size(uint64(len(e.Path))) + len(e.Path) + 1
}

// NewListFilesProducer resolves folderPath within mapping and builds a
// producer over its entries. Hidden entries are never listed. A VIRTUAL
// node lists its virtual children as FileTypeDirectory/FileTypeFile by
// their own kind; a HOST_FOLDER node lists real directory entries read from
// disk via os.ReadDir, so changes made directly on the host are reflected
// without updating the virtual tree.
func NewListFilesProducer(mapping *vfs.FileMapping, folderPath string) (*ListFilesProducer, error) {
	node, ok := mapping.FindVirtualNode(folderPath, true)
	if !ok {
		return nil, fmt.Errorf("transfer: NewListFilesProducer: %w", ErrPathNotFound)
	}

	var entries []wire.FileEntry
	switch node.Type() {
	case vfs.HostFolder:
		hostEntries, err := os.ReadDir(node.HostPath())
		if err != nil {
			return nil, fmt.Errorf("transfer: NewListFilesProducer: reading %s: %w", node.HostPath(), err)
		}
		for _, e := range hostEntries {
			kind := wire.FileTypeFile
			if e.IsDir() {
				kind = wire.FileTypeDirectory
			}
			entries = append(entries, wire.FileEntry{Path: e.Name(), Type: kind})
		}
	default: // Virtual, or a HOST_FILE resolved directly (single-entry listing)
		if node.Type() == vfs.HostFile {
			entries = append(entries, wire.FileEntry{Path: node.Name(), Type: wire.FileTypeFile})
			break
		}
		for _, child := range node.Children() {
			if child.Visibility() == vfs.Hidden {
				continue
			}
			kind := wire.FileTypeFile
			if child.Type() != vfs.HostFile {
				kind = wire.FileTypeDirectory
			}
			entries = append(entries, wire.FileEntry{Path: child.Name(), Type: kind})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return &ListFilesProducer{pages: splitIntoPages(entries)}, nil
}

// splitIntoPages packs entries greedily: a page takes entries until adding
// the next one would push the encoded payload past ListPacketBudget. An
// entry too large to share a page still travels alone, so progress is
// always made. An empty listing yields one empty page.
func splitIntoPages(entries []wire.FileEntry) [][]wire.FileEntry {
	var pages [][]wire.FileEntry
	var current []wire.FileEntry
	size := listHeaderReserve

	for _, e := range entries {
		es := entryWireSize(e)
		if len(current) > 0 && size+es > ListPacketBudget {
			pages = append(pages, current)
			current = nil
			size = listHeaderReserve
		}
		current = append(current, e)
		size += es
	}
	return append(pages, current)
}

// TotalPages returns the number of pages this producer will serve, at least
// 1 even when there are zero entries (an empty directory still reports one
// empty page).
func (p *ListFilesProducer) TotalPages() uint64 {
	return uint64(len(p.pages))
}

// Page returns the FILE_LIST payload for the given zero-indexed page.
func (p *ListFilesProducer) Page(pageNb uint64) (wire.FileListPayload, error) {
	total := p.TotalPages()
	if pageNb >= total {
		return wire.FileListPayload{}, fmt.Errorf("transfer: page %d of %d: %w", pageNb, total, ErrPageOutOfRange)
	}

	items := append([]wire.FileEntry(nil), p.pages[pageNb]...)
	return wire.FileListPayload{
		TotalPages:  total,
		CurrentPage: pageNb,
		Items:       items,
	}, nil
}

// FileListConsumer accumulates the FILE_LIST pages streamed in reply to one
// LIST_FILES request into a single flattened entry list.
type FileListConsumer struct {
	items      []wire.FileEntry
	totalPages uint64
	nextPage   uint64
	done       bool
}

// NewFileListConsumer returns an empty consumer ready to accept pages
// starting at 0.
func NewFileListConsumer() *FileListConsumer {
	return &FileListConsumer{}
}

// ReceivePage folds one FILE_LIST page into the consumer's accumulated
// entries. Returns true once the final page has been received.
func (c *FileListConsumer) ReceivePage(page wire.FileListPayload) (bool, error) {
	if c.done {
		return true, nil
	}
	if page.CurrentPage != c.nextPage {
		return false, fmt.Errorf("transfer: FILE_LIST page %d, expected %d", page.CurrentPage, c.nextPage)
	}

	c.items = append(c.items, page.Items...)
	c.totalPages = page.TotalPages
	c.nextPage++

	if c.nextPage >= c.totalPages {
		c.done = true
	}
	return c.done, nil
}

// Entries returns the entries accumulated so far.
func (c *FileListConsumer) Entries() []wire.FileEntry { return c.items }

// Done reports whether the listing has been fully consumed.
func (c *FileListConsumer) Done() bool { return c.done }
