package wire

import (
	"errors"
	"fmt"

	"github.com/fileshare-project/fsp/varint"
)

// ErrTruncatedString is returned when a VarInt-prefixed string's declared
// length runs past the end of the buffer.
var ErrTruncatedString = errors.New("wire: truncated VarInt-prefixed field")

func putString(out []byte, s string) []byte {
	out = append(out, varint.Encode(uint64(len(s)))...)
	return append(out, s...)
}

func takeString(input []byte) (string, int, error) {
	n, consumed, err := varint.Decode(input)
	if err != nil {
		return "", 0, fmt.Errorf("wire: %w", err)
	}
	total := consumed + int(n)
	if total > len(input) {
		return "", 0, fmt.Errorf("wire: %w", ErrTruncatedString)
	}
	return string(input[consumed:total]), total, nil
}

// ResponsePayload is the RESPONSE schema: a single status byte.
type ResponsePayload struct {
	Status StatusCode
}

func (p ResponsePayload) Encode() []byte {
	return []byte{byte(p.Status)}
}

func DecodeResponse(input []byte) (ResponsePayload, error) {
	if len(input) != 1 {
		return ResponsePayload{}, fmt.Errorf("wire: RESPONSE expects 1 byte, got %d: %w", len(input), ErrPayloadUnderrun)
	}
	return ResponsePayload{Status: StatusCode(input[0])}, nil
}

// SendFilePayload is the SEND_FILE schema.
type SendFilePayload struct {
	FilePath     string
	HashAlgo     HashAlgorithm
	Hash         []byte
	ModTime      int64 // unix seconds
	PacketSize   uint64
	TotalPackets uint64
}

func (p SendFilePayload) Encode() []byte {
	out := putString(nil, p.FilePath)
	out = append(out, byte(p.HashAlgo))
	out = append(out, p.Hash...)
	out = append(out, PutInt64(p.ModTime)...)
	out = append(out, varint.Encode(p.PacketSize)...)
	out = append(out, varint.Encode(p.TotalPackets)...)
	return out
}

func DecodeSendFile(input []byte) (SendFilePayload, error) {
	path, n, err := takeString(input)
	if err != nil {
		return SendFilePayload{}, err
	}
	rest := input[n:]

	if len(rest) < 1 {
		return SendFilePayload{}, fmt.Errorf("wire: SEND_FILE missing hash-algo byte: %w", ErrPayloadUnderrun)
	}
	algo := HashAlgorithm(rest[0])
	hashSize := algo.Size()
	if hashSize == 0 {
		return SendFilePayload{}, fmt.Errorf("wire: SEND_FILE unknown hash algorithm %d", rest[0])
	}
	rest = rest[1:]

	if len(rest) < hashSize+fixedWidth {
		return SendFilePayload{}, fmt.Errorf("wire: SEND_FILE truncated hash/mtime: %w", ErrPayloadUnderrun)
	}
	hash := append([]byte(nil), rest[:hashSize]...)
	rest = rest[hashSize:]

	mtime, err := ParseInt64(rest)
	if err != nil {
		return SendFilePayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[fixedWidth:]

	packetSize, n2, err := varint.Decode(rest)
	if err != nil {
		return SendFilePayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n2:]

	totalPackets, n3, err := varint.Decode(rest)
	if err != nil {
		return SendFilePayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n3:]

	if len(rest) != 0 {
		return SendFilePayload{}, fmt.Errorf("wire: SEND_FILE %w", ErrPayloadOverrun)
	}

	return SendFilePayload{
		FilePath:     path,
		HashAlgo:     algo,
		Hash:         hash,
		ModTime:      mtime,
		PacketSize:   packetSize,
		TotalPackets: totalPackets,
	}, nil
}

// ReceiveFilePayload is the RECEIVE_FILE schema.
type ReceiveFilePayload struct {
	FilePath    string
	PacketSize  uint64
	PacketStart uint64
}

func (p ReceiveFilePayload) Encode() []byte {
	out := putString(nil, p.FilePath)
	out = append(out, varint.Encode(p.PacketSize)...)
	out = append(out, varint.Encode(p.PacketStart)...)
	return out
}

func DecodeReceiveFile(input []byte) (ReceiveFilePayload, error) {
	path, n, err := takeString(input)
	if err != nil {
		return ReceiveFilePayload{}, err
	}
	rest := input[n:]

	packetSize, n2, err := varint.Decode(rest)
	if err != nil {
		return ReceiveFilePayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n2:]

	packetStart, n3, err := varint.Decode(rest)
	if err != nil {
		return ReceiveFilePayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n3:]

	if len(rest) != 0 {
		return ReceiveFilePayload{}, fmt.Errorf("wire: RECEIVE_FILE %w", ErrPayloadOverrun)
	}

	return ReceiveFilePayload{FilePath: path, PacketSize: packetSize, PacketStart: packetStart}, nil
}

// ListFilesPayload is the LIST_FILES schema.
type ListFilesPayload struct {
	FolderPath string
	PageNb     uint64
	PageSize   uint64
}

func (p ListFilesPayload) Encode() []byte {
	out := putString(nil, p.FolderPath)
	out = append(out, varint.Encode(p.PageNb)...)
	out = append(out, varint.Encode(p.PageSize)...)
	return out
}

func DecodeListFiles(input []byte) (ListFilesPayload, error) {
	path, n, err := takeString(input)
	if err != nil {
		return ListFilesPayload{}, err
	}
	rest := input[n:]

	pageNb, n2, err := varint.Decode(rest)
	if err != nil {
		return ListFilesPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n2:]

	pageSize, n3, err := varint.Decode(rest)
	if err != nil {
		return ListFilesPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n3:]

	if len(rest) != 0 {
		return ListFilesPayload{}, fmt.Errorf("wire: LIST_FILES %w", ErrPayloadOverrun)
	}

	return ListFilesPayload{FolderPath: path, PageNb: pageNb, PageSize: pageSize}, nil
}

// FileEntry is one item within a FILE_LIST payload.
type FileEntry struct {
	Path string
	Type FileType
}

// FileListPayload is the FILE_LIST schema.
type FileListPayload struct {
	TotalPages  uint64
	CurrentPage uint64
	Items       []FileEntry
}

func (p FileListPayload) Encode() []byte {
	out := varint.Encode(p.TotalPages)
	out = append(out, varint.Encode(p.CurrentPage)...)
	out = append(out, varint.Encode(uint64(len(p.Items)))...)
	for _, item := range p.Items {
		out = putString(out, item.Path)
		out = append(out, byte(item.Type))
	}
	return out
}

func DecodeFileList(input []byte) (FileListPayload, error) {
	totalPages, n1, err := varint.Decode(input)
	if err != nil {
		return FileListPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest := input[n1:]

	currentPage, n2, err := varint.Decode(rest)
	if err != nil {
		return FileListPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n2:]

	count, n3, err := varint.Decode(rest)
	if err != nil {
		return FileListPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n3:]

	items := make([]FileEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		path, n, err := takeString(rest)
		if err != nil {
			return FileListPayload{}, err
		}
		rest = rest[n:]

		if len(rest) < 1 {
			return FileListPayload{}, fmt.Errorf("wire: FILE_LIST entry missing type byte: %w", ErrPayloadUnderrun)
		}
		items = append(items, FileEntry{Path: path, Type: FileType(rest[0])})
		rest = rest[1:]
	}

	if len(rest) != 0 {
		return FileListPayload{}, fmt.Errorf("wire: FILE_LIST %w", ErrPayloadOverrun)
	}

	return FileListPayload{TotalPages: totalPages, CurrentPage: currentPage, Items: items}, nil
}

// DataPacketPayload is the DATA_PACKET schema.
type DataPacketPayload struct {
	FilePath string
	PacketID uint64
	Data     []byte
}

func (p DataPacketPayload) Encode() []byte {
	out := putString(nil, p.FilePath)
	out = append(out, varint.Encode(p.PacketID)...)
	out = append(out, varint.Encode(uint64(len(p.Data)))...)
	out = append(out, p.Data...)
	return out
}

func DecodeDataPacket(input []byte) (DataPacketPayload, error) {
	path, n, err := takeString(input)
	if err != nil {
		return DataPacketPayload{}, err
	}
	rest := input[n:]

	packetID, n2, err := varint.Decode(rest)
	if err != nil {
		return DataPacketPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n2:]

	size, n3, err := varint.Decode(rest)
	if err != nil {
		return DataPacketPayload{}, fmt.Errorf("wire: %w", err)
	}
	rest = rest[n3:]

	if uint64(len(rest)) != size {
		return DataPacketPayload{}, fmt.Errorf("wire: DATA_PACKET declared %d bytes, got %d: %w", size, len(rest), ErrPayloadUnderrun)
	}

	return DataPacketPayload{
		FilePath: path,
		PacketID: packetID,
		Data:     append([]byte(nil), rest...),
	}, nil
}

// PingPayload is the PING schema: always empty.
type PingPayload struct{}

func (PingPayload) Encode() []byte { return nil }

func DecodePing(input []byte) (PingPayload, error) {
	if len(input) != 0 {
		return PingPayload{}, fmt.Errorf("wire: PING %w", ErrPayloadOverrun)
	}
	return PingPayload{}, nil
}
