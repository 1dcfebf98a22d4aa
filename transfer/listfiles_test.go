package transfer_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fileshare-project/fsp/transfer"
	"github.com/fileshare-project/fsp/vfs"
	"github.com/fileshare-project/fsp/wire"
)

func buildListingMapping(t *testing.T, hostDir string) *vfs.FileMapping {
	t.Helper()

	m, err := vfs.NewFileMapping("//fsp")
	require.NoError(t, err)

	docs, err := vfs.NewHostNode("docs", vfs.HostFolder, hostDir, vfs.Visible)
	require.NoError(t, err)
	require.NoError(t, m.Root().AddChild(docs))

	readme, err := vfs.NewHostNode("readme.txt", vfs.HostFile, filepath.Join(hostDir, "readme.txt"), vfs.Visible)
	require.NoError(t, err)
	require.NoError(t, m.Root().AddChild(readme))

	secret, err := vfs.NewHostNode("secret.txt", vfs.HostFile, filepath.Join(hostDir, "secret.txt"), vfs.Hidden)
	require.NoError(t, err)
	require.NoError(t, m.Root().AddChild(secret))

	return m
}

func TestListFilesProducerVirtualChildren(t *testing.T) {
	dir := t.TempDir()
	m := buildListingMapping(t, dir)

	producer, err := transfer.NewListFilesProducer(m, "//fsp")
	require.NoError(t, err)
	require.Equal(t, uint64(1), producer.TotalPages())

	page, err := producer.Page(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), page.CurrentPage)
	require.Equal(t, uint64(1), page.TotalPages)

	var names []string
	for _, item := range page.Items {
		names = append(names, item.Path)
	}
	require.Equal(t, []string{"docs", "readme.txt"}, names) // secret.txt hidden, sorted
}

func TestListFilesProducerHostFolderReadsDisk(t *testing.T) {
	dir := t.TempDir()
	m := buildListingMapping(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	producer, err := transfer.NewListFilesProducer(m, "//fsp/docs")
	require.NoError(t, err)

	page, err := producer.Page(0)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	byName := make(map[string]wire.FileType)
	for _, item := range page.Items {
		byName[item.Path] = item.Type
	}
	require.Equal(t, wire.FileTypeFile, byName["a.txt"])
	require.Equal(t, wire.FileTypeFile, byName["b.txt"])
	require.Equal(t, wire.FileTypeDirectory, byName["sub"])
}

func TestListFilesProducerPagesStayWithinByteBudget(t *testing.T) {
	dir := t.TempDir()
	m := buildListingMapping(t, dir)

	// 200 entries of ~100 encoded bytes each: far more than one 4096-byte
	// page can hold, so the producer must split.
	name := strings.Repeat("x", 90)
	for i := 0; i < 200; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s-%03d.txt", name, i)), []byte("x"), 0o644))
	}

	producer, err := transfer.NewListFilesProducer(m, "//fsp/docs")
	require.NoError(t, err)
	require.Greater(t, producer.TotalPages(), uint64(1))

	var collected []wire.FileEntry
	for n := uint64(0); n < producer.TotalPages(); n++ {
		page, err := producer.Page(n)
		require.NoError(t, err)
		require.NotEmpty(t, page.Items)
		require.LessOrEqual(t, len(page.Encode()), transfer.ListPacketBudget,
			"every encoded FILE_LIST page must fit the byte budget")
		collected = append(collected, page.Items...)
	}
	require.Len(t, collected, 200)

	// Pages are filled greedily: no page except the last could have taken
	// its successor's first entry without overflowing the budget.
	for n := uint64(0); n < producer.TotalPages()-1; n++ {
		page, err := producer.Page(n)
		require.NoError(t, err)
		next, err := producer.Page(n + 1)
		require.NoError(t, err)
		overfull := wire.FileListPayload{
			TotalPages:  page.TotalPages,
			CurrentPage: page.CurrentPage,
			Items:       append(append([]wire.FileEntry(nil), page.Items...), next.Items[0]),
		}
		require.Greater(t, len(overfull.Encode()), transfer.ListPacketBudget)
	}
}

func TestListFilesProducerPageOutOfRange(t *testing.T) {
	dir := t.TempDir()
	m := buildListingMapping(t, dir)

	producer, err := transfer.NewListFilesProducer(m, "//fsp/docs")
	require.NoError(t, err)
	require.Equal(t, uint64(1), producer.TotalPages())

	_, err = producer.Page(1)
	require.ErrorIs(t, err, transfer.ErrPageOutOfRange)
}

func TestListFilesProducerHiddenPathNotFound(t *testing.T) {
	dir := t.TempDir()
	m := buildListingMapping(t, dir)

	_, err := transfer.NewListFilesProducer(m, "//fsp/secret.txt")
	require.ErrorIs(t, err, transfer.ErrPathNotFound)
}

func TestFileListConsumerAccumulatesPages(t *testing.T) {
	dir := t.TempDir()
	m := buildListingMapping(t, dir)
	for i := 0; i < 6; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".txt"), []byte("x"), 0o644))
	}

	producer, err := transfer.NewListFilesProducer(m, "//fsp/docs")
	require.NoError(t, err)

	consumer := transfer.NewFileListConsumer()
	for n := uint64(0); n < producer.TotalPages(); n++ {
		page, err := producer.Page(n)
		require.NoError(t, err)

		done, err := consumer.ReceivePage(page)
		require.NoError(t, err)
		require.Equal(t, n == producer.TotalPages()-1, done)
	}

	require.True(t, consumer.Done())
	require.Len(t, consumer.Entries(), 6)
}

func TestFileListConsumerRejectsOutOfOrderPage(t *testing.T) {
	consumer := transfer.NewFileListConsumer()
	_, err := consumer.ReceivePage(wire.FileListPayload{TotalPages: 2, CurrentPage: 1})
	require.Error(t, err)
}
