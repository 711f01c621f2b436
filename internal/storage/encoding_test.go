package storage

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcsoverlay/internal/common"
	"vcsoverlay/internal/model"
)

func TestEncodeDecodeDirRecordRoundTrip(t *testing.T) {
	t.Parallel()

	dir := model.NewDirContents()
	dir.Put(model.DirEntry{Name: "a.txt", InitialMode: 0100644, InodeNumber: 2})
	dir.Put(model.DirEntry{Name: "sub", InitialMode: 0040755, InodeNumber: 3, Hash: model.Hash{0xde, 0xad, 0xbe, 0xef}})

	encoded := encodeDirRecord(dir)
	decoded, err := decodeDirRecord(encoded)
	require.NoError(t, err)

	assert.Equal(t, dir.Len(), decoded.Len())
	for _, name := range dir.Names() {
		want, _ := dir.Get(name)
		got, ok := decoded.Get(name)
		require.True(t, ok)
		assert.Equal(t, want.InitialMode, got.InitialMode)
		assert.Equal(t, want.InodeNumber, got.InodeNumber)
		assert.True(t, want.Hash.Equal(got.Hash))
	}
}

func TestEncodeDecodeEmptyDir(t *testing.T) {
	t.Parallel()

	dir := model.NewDirContents()
	encoded := encodeDirRecord(dir)
	decoded, err := decodeDirRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Len())
}

func TestDecodeDirRecordTruncated(t *testing.T) {
	t.Parallel()

	dir := model.NewDirContents()
	dir.Put(model.DirEntry{Name: "a.txt", InodeNumber: 2})
	encoded := encodeDirRecord(dir)

	for cut := 0; cut < len(encoded); cut++ {
		_, err := decodeDirRecord(encoded[:cut])
		assert.ErrorIs(t, err, common.ErrCorruption, "cut at %d should be corruption", cut)
	}
}

func TestDecodeDirRecordTrailingBytes(t *testing.T) {
	t.Parallel()

	dir := model.NewDirContents()
	dir.Put(model.DirEntry{Name: "a.txt", InodeNumber: 2})
	encoded := append(encodeDirRecord(dir), 0xff)

	_, err := decodeDirRecord(encoded)
	assert.ErrorIs(t, err, common.ErrCorruption)
}

// rawEntry appends one hand-built (name, mode, inode, hash) record in
// the wire format decodeDirRecord expects, for constructing malformed
// records that model.DirContents.Put could never itself produce (a
// duplicate name, or a name containing a path separator).
func rawEntry(buf []byte, name string, mode uint32, inode uint64, hash []byte) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, uint32(len(name)))
	buf = append(buf, tmp...)
	buf = append(buf, name...)
	binary.BigEndian.PutUint32(tmp, mode)
	buf = append(buf, tmp...)
	tmp8 := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp8, inode)
	buf = append(buf, tmp8...)
	binary.BigEndian.PutUint32(tmp, uint32(len(hash)))
	buf = append(buf, tmp...)
	buf = append(buf, hash...)
	return buf
}

func rawCount(n uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

func TestDecodeDirRecordDuplicateName(t *testing.T) {
	t.Parallel()

	buf := rawCount(2)
	buf = rawEntry(buf, "a.txt", 0100644, 2, nil)
	buf = rawEntry(buf, "a.txt", 0100644, 3, nil)

	_, err := decodeDirRecord(buf)
	assert.ErrorIs(t, err, common.ErrCorruption)
}

func TestDecodeDirRecordInvalidName(t *testing.T) {
	t.Parallel()

	buf := rawCount(1)
	buf = rawEntry(buf, "a/b", 0100644, 2, nil)

	_, err := decodeDirRecord(buf)
	assert.ErrorIs(t, err, common.ErrCorruption)
}
