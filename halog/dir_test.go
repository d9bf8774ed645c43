package halog_test

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/halog"
)

func mustOpenDir(t *testing.T, path string) *halog.Dir {
	t.Helper()
	d := halog.NewDir(halog.Config{Dir: path, SyncWrites: true})
	require.NoError(t, d.Open())
	return d
}

func TestDir_Open_ScansSegments(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	writeSegment(t, dir, 2, 1)
	writeSegment(t, dir, 1, 1)
	writeSegment(t, dir, 10, 1)

	// Foreign files must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node.json"), []byte("{}"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000123.wal"), []byte("x"), 0666))

	d := mustOpenDir(t, dir)
	require.Equal(t, []uint64{1, 2, 10}, d.Counters())
	require.True(t, d.Contains(10))
	require.False(t, d.Contains(3))

	last, ok := d.LastCounter()
	require.True(t, ok)
	require.Equal(t, uint64(10), last)
}

func TestDir_Create(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)

	w, err := d.Create(1, hajournal.StrategyRW)
	require.NoError(t, err)
	require.True(t, d.Contains(1))

	_, err = d.Create(1, hajournal.StrategyRW)
	require.ErrorIs(t, err, halog.ErrSegmentExists)

	p := []byte("block")
	require.NoError(t, w.Append(hajournal.NewHAWriteMessage(1, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: p}), p))
	require.NoError(t, w.Finalize(hajournal.RootBlock{CommitCounter: 1, Extent: 5, Strategy: hajournal.StrategyRW}))
	require.NoError(t, w.Close())

	require.NoError(t, d.Verify(1))
}

func TestDir_OpenReader_NotFound(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)
	_, err := d.OpenReader(99)
	require.ErrorIs(t, err, halog.ErrSegmentNotFound)
}

func TestDir_PurgeThrough(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	for c := uint64(1); c <= 5; c++ {
		writeSegment(t, dir, c, 1)
	}

	d := mustOpenDir(t, dir)
	require.NoError(t, d.PurgeThrough(1, 3))
	require.Equal(t, []uint64{4, 5}, d.Counters())

	files, err := filepath.Glob(filepath.Join(dir, "*.halog"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	require.NoError(t, d.Purge(5))
	require.Equal(t, []uint64{4}, d.Counters())

	// Purging an already purged counter is a no-op.
	require.NoError(t, d.Purge(5))
}

func TestDir_Recover_RemovesUnusableTail(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	writeSegment(t, dir, 1, 2)
	writeSegment(t, dir, 2, 2)

	// Commit 3 crashed mid-round: no commit record.
	w, err := halog.CreateSegment(filepath.Join(dir, halog.SegmentFileName(3)), 3, hajournal.StrategyRW)
	require.NoError(t, err)
	p := []byte("lost")
	require.NoError(t, w.Append(hajournal.NewHAWriteMessage(3, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: p}), p))
	require.NoError(t, w.Close())

	d := mustOpenDir(t, dir)
	require.NoError(t, d.Recover())
	require.Equal(t, []uint64{1, 2}, d.Counters())
	require.NoFileExists(t, filepath.Join(dir, halog.SegmentFileName(3)))
}

func TestDir_Recover_StopsAtFinalizedSegment(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	writeSegment(t, dir, 1, 1)

	// Two unusable tails in a row: one torn, one unfinalized.
	path2 := writeSegment(t, dir, 2, 1)
	fi, err := os.Stat(path2)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path2, fi.Size()-2))

	w, err := halog.CreateSegment(filepath.Join(dir, halog.SegmentFileName(3)), 3, hajournal.StrategyRW)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d := mustOpenDir(t, dir)
	require.NoError(t, d.Recover())
	require.Equal(t, []uint64{1}, d.Counters())
}

func TestDir_Install(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)
	src := MustTempDir()
	defer os.RemoveAll(src)

	srcPath := writeSegment(t, src, 7, 2)

	d := mustOpenDir(t, dir)
	require.NoError(t, d.Install(7, srcPath))
	require.True(t, d.Contains(7))
	require.NoError(t, d.Verify(7))
	require.NoFileExists(t, srcPath)
}

func TestDir_Install_RejectsDamagedSource(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)
	src := MustTempDir()
	defer os.RemoveAll(src)

	srcPath := writeSegment(t, src, 7, 2)
	b, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	b[len(b)-5] ^= 0xff
	require.NoError(t, os.WriteFile(srcPath, b, 0666))

	d := mustOpenDir(t, dir)
	require.ErrorIs(t, d.Install(7, srcPath), hajournal.ErrLogCorrupt)
	require.False(t, d.Contains(7))
}

func TestDir_Materialize_RW(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	writeSegment(t, dir, 4, 2)
	d := mustOpenDir(t, dir)

	path, cleanup, err := d.Materialize(4, bytes.NewReader(nil))
	require.NoError(t, err)
	defer cleanup()

	// Read-write segments are already self-contained.
	require.Equal(t, d.SegmentPath(4), path)
}

func TestDir_Materialize_WORM(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	image := make([]byte, 256)
	for i := range image {
		image[i] = byte(i)
	}

	d := mustOpenDir(t, dir)
	w, err := d.Create(9, hajournal.StrategyWORM)
	require.NoError(t, err)

	blocks := []hajournal.WriteCacheBlock{
		{Offset: 0, Data: image[0:64]},
		{Offset: 64, Data: image[64:200]},
	}
	var msgs []hajournal.HAWriteMessage
	for i, blk := range blocks {
		msg := hajournal.NewHAWriteMessage(9, uint32(i), hajournal.StrategyWORM, blk)
		require.NoError(t, w.Append(msg, nil))
		msgs = append(msgs, msg)
	}
	require.NoError(t, w.Finalize(hajournal.RootBlock{CommitCounter: 9, Extent: 200, Strategy: hajournal.StrategyWORM}))
	require.NoError(t, w.Close())

	path, cleanup, err := d.Materialize(9, bytes.NewReader(image))
	require.NoError(t, err)
	require.NotEqual(t, d.SegmentPath(9), path)

	r := mustOpenSegment(t, path)
	for i := range msgs {
		require.True(t, r.Next())
		msg, payload, err := r.Read()
		require.NoError(t, err)
		require.Equal(t, msgs[i], msg)
		require.Equal(t, blocks[i].Data, payload)
	}
	require.False(t, r.Next())
	_, ok := r.RootBlock()
	require.True(t, ok)
	require.NoError(t, r.Close())

	cleanup()
	require.NoFileExists(t, path)
}

func TestDir_Materialize_ImageMismatch(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	image := bytes.Repeat([]byte{0xaa}, 64)

	d := mustOpenDir(t, dir)
	w, err := d.Create(3, hajournal.StrategyWORM)
	require.NoError(t, err)

	msg := hajournal.NewHAWriteMessage(3, 0, hajournal.StrategyWORM, hajournal.WriteCacheBlock{Offset: 0, Data: image[:32]})
	require.NoError(t, w.Append(msg, nil))
	require.NoError(t, w.Finalize(hajournal.RootBlock{CommitCounter: 3, Extent: 32, Strategy: hajournal.StrategyWORM}))
	require.NoError(t, w.Close())

	diverged := bytes.Repeat([]byte{0xbb}, 64)
	require.NotEqual(t, crc32.ChecksumIEEE(image[:32]), crc32.ChecksumIEEE(diverged[:32]))

	_, _, err = d.Materialize(3, bytes.NewReader(diverged))
	require.ErrorIs(t, err, hajournal.ErrLogCorrupt)
}

func TestDir_Append_Finalize(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)

	var payloads [][]byte
	for seq := uint32(0); seq < 3; seq++ {
		p := []byte{byte(seq), 0xAB, 0xCD}
		payloads = append(payloads, p)
		msg := hajournal.NewHAWriteMessage(7, seq, hajournal.StrategyRW, hajournal.WriteCacheBlock{Offset: int64(seq) * 3, Data: p})
		require.NoError(t, d.Append(msg, p))
	}

	seq, open := d.OpenSequence(7)
	require.True(t, open)
	require.Equal(t, uint32(3), seq)

	rb := hajournal.RootBlock{CommitCounter: 7, CommitTime: 99, Extent: 9, Strategy: hajournal.StrategyRW}
	require.NoError(t, d.Finalize(rb))

	_, open = d.OpenSequence(7)
	require.False(t, open)
	require.NoError(t, d.Verify(7))

	r, err := d.OpenReader(7)
	require.NoError(t, err)
	defer r.Close()

	var got [][]byte
	for r.Next() {
		_, payload, err := r.Read()
		require.NoError(t, err)
		got = append(got, payload)
	}
	require.NoError(t, r.Error())
	require.Equal(t, payloads, got)

	sealed, ok := r.RootBlock()
	require.True(t, ok)
	require.Equal(t, rb, sealed)
}

func TestDir_Append_ReplacesAbortedAttempt(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)

	stale := []byte("stale attempt")
	msg := hajournal.NewHAWriteMessage(3, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: stale})
	require.NoError(t, d.Append(msg, stale))
	require.NoError(t, d.Abandon(3))
	require.True(t, d.Contains(3))

	// The next attempt at the same commit starts over at sequence zero.
	fresh := []byte("fresh attempt")
	msg = hajournal.NewHAWriteMessage(3, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: fresh})
	require.NoError(t, d.Append(msg, fresh))
	require.NoError(t, d.Finalize(hajournal.RootBlock{CommitCounter: 3, Extent: uint64(len(fresh)), Strategy: hajournal.StrategyRW}))

	r, err := d.OpenReader(3)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Next())
	_, payload, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, fresh, payload)
	require.False(t, r.Next())
	require.NoError(t, r.Error())

	_, ok := r.RootBlock()
	require.True(t, ok)
}

func TestDir_Append_RefusesConcludedCommit(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	writeSegment(t, dir, 4, 1)
	d := mustOpenDir(t, dir)

	p := []byte("late")
	err := d.Append(hajournal.NewHAWriteMessage(4, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: p}), p)
	require.ErrorIs(t, err, halog.ErrSegmentExists)
}

func TestDir_Finalize_EmptyWriteSet(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)
	rb := hajournal.RootBlock{CommitCounter: 9, Strategy: hajournal.StrategyRW}
	require.NoError(t, d.Finalize(rb))
	require.NoError(t, d.Verify(9))

	r, err := d.OpenReader(9)
	require.NoError(t, err)
	defer r.Close()

	require.False(t, r.Next())
	require.NoError(t, r.Error())
	sealed, ok := r.RootBlock()
	require.True(t, ok)
	require.Equal(t, rb, sealed)
}

func TestDir_Unfinalize(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)

	doomed := []byte("doomed")
	msg := hajournal.NewHAWriteMessage(5, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: doomed})
	require.NoError(t, d.Append(msg, doomed))
	require.NoError(t, d.Finalize(hajournal.RootBlock{CommitCounter: 5, Extent: 6, Strategy: hajournal.StrategyRW}))
	require.NoError(t, d.Verify(5))

	require.NoError(t, d.Unfinalize(5))
	require.True(t, d.Contains(5))
	require.Error(t, d.Verify(5))

	// Write records survive; only the seal is gone.
	r, err := d.OpenReader(5)
	require.NoError(t, err)
	require.True(t, r.Next())
	_, payload, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, doomed, payload)
	require.False(t, r.Next())
	require.NoError(t, r.Error())
	_, ok := r.RootBlock()
	require.False(t, ok)
	require.NoError(t, r.Close())

	// A fresh attempt at the counter replaces the stripped segment.
	kept := []byte("kept")
	msg = hajournal.NewHAWriteMessage(5, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: kept})
	require.NoError(t, d.Append(msg, kept))
	require.NoError(t, d.Finalize(hajournal.RootBlock{CommitCounter: 5, Extent: 4, Strategy: hajournal.StrategyRW}))
	require.NoError(t, d.Verify(5))
}

func TestDir_Unfinalize_NoSeal(t *testing.T) {
	dir := MustTempDir()
	defer os.RemoveAll(dir)

	d := mustOpenDir(t, dir)

	// Absent segment.
	require.NoError(t, d.Unfinalize(42))

	// Open, never sealed: just abandoned.
	p := []byte("open")
	require.NoError(t, d.Append(hajournal.NewHAWriteMessage(6, 0, hajournal.StrategyRW, hajournal.WriteCacheBlock{Data: p}), p))
	require.NoError(t, d.Unfinalize(6))
	require.True(t, d.Contains(6))
	require.Error(t, d.Verify(6))
}

func TestDir_InstallFrom(t *testing.T) {
	src := MustTempDir()
	defer os.RemoveAll(src)
	data, err := os.ReadFile(writeSegment(t, src, 8, 2))
	require.NoError(t, err)

	dir := MustTempDir()
	defer os.RemoveAll(dir)
	d := mustOpenDir(t, dir)

	require.NoError(t, d.InstallFrom(8, bytes.NewReader(data)))
	require.True(t, d.Contains(8))
	require.NoError(t, d.Verify(8))
}

func TestDir_InstallFrom_RejectsDamagedStream(t *testing.T) {
	src := MustTempDir()
	defer os.RemoveAll(src)
	data, err := os.ReadFile(writeSegment(t, src, 8, 2))
	require.NoError(t, err)
	data[len(data)-3] ^= 0xFF

	dir := MustTempDir()
	defer os.RemoveAll(dir)
	d := mustOpenDir(t, dir)

	require.Error(t, d.InstallFrom(8, bytes.NewReader(data)))
	require.False(t, d.Contains(8))
}
