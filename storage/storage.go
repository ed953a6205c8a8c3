package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// Storage persists verified piece bytes and serves them back for upload
// requests. Writes for distinct pieces may run concurrently: the
// piece-to-offset mapping is static, so no lock is needed here.
type Storage interface {
	WritePiece(index int, data []byte) error
	ReadBlock(index, begin, length int) ([]byte, error)
	Close() error
}

// FileSpec describes one output file of the torrent, in torrent order.
type FileSpec struct {
	Path   string
	Length int
}

type fileData struct {
	f      *os.File
	start  int64 // offset of the file's first byte in torrent space
	length int64
}

// Files implements Storage over one or more files on disk.
type Files struct {
	files       []fileData
	pieceLength int
	totalLength int
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}

// NewFiles opens (creating as needed) every output file under dir.
func NewFiles(dir string, specs []FileSpec, pieceLength, totalLength int) (*Files, error) {
	s := &Files{
		pieceLength: pieceLength,
		totalLength: totalLength,
	}

	start := int64(0)
	for _, spec := range specs {
		f, err := create(filepath.Join(dir, spec.Path))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("storage: create %s: %w", spec.Path, err)
		}
		s.files = append(s.files, fileData{f: f, start: start, length: int64(spec.Length)})
		start += int64(spec.Length)
	}
	if start != int64(totalLength) {
		s.Close()
		return nil, fmt.Errorf("storage: file lengths sum to %d, torrent length is %d", start, totalLength)
	}
	return s, nil
}

func (s *Files) pieceBounds(index int) (begin, end int64) {
	begin = int64(index) * int64(s.pieceLength)
	end = begin + int64(s.pieceLength)
	if end > int64(s.totalLength) {
		end = int64(s.totalLength)
	}
	return begin, end
}

// WritePiece persists one verified piece at its fixed offset,
// splitting across file boundaries as required.
func (s *Files) WritePiece(index int, data []byte) error {
	begin, end := s.pieceBounds(index)
	if int64(len(data)) != end-begin {
		return fmt.Errorf("storage: piece %d has length %d, expected %d", index, len(data), end-begin)
	}

	for _, fd := range s.files {
		segBegin := max(begin, fd.start)
		segEnd := min(end, fd.start+fd.length)
		if segBegin >= segEnd {
			continue
		}
		_, err := fd.f.WriteAt(data[segBegin-begin:segEnd-begin], segBegin-fd.start)
		if err != nil {
			return fmt.Errorf("storage: write piece %d: %w", index, err)
		}
	}
	return nil
}

// ReadBlock rereads a block of a previously written piece, for serving
// upload requests.
func (s *Files) ReadBlock(index, begin, length int) ([]byte, error) {
	pieceBegin, pieceEnd := s.pieceBounds(index)
	blockBegin := pieceBegin + int64(begin)
	blockEnd := blockBegin + int64(length)
	if blockEnd > pieceEnd {
		return nil, fmt.Errorf("storage: block (%d, %d, %d) exceeds piece bounds", index, begin, length)
	}

	buf := make([]byte, length)
	for _, fd := range s.files {
		segBegin := max(blockBegin, fd.start)
		segEnd := min(blockEnd, fd.start+fd.length)
		if segBegin >= segEnd {
			continue
		}
		_, err := fd.f.ReadAt(buf[segBegin-blockBegin:segEnd-blockBegin], segBegin-fd.start)
		if err != nil {
			return nil, fmt.Errorf("storage: read block (%d, %d, %d): %w", index, begin, length, err)
		}
	}
	return buf, nil
}

// Rescan hashes whatever already sits in the output files against the
// expected piece hashes and reports which pieces are intact. Used to
// resume an interrupted download. Files are mapped read-only; pieces
// overlapping bytes no file holds yet report as missing.
func (s *Files) Rescan(hashes [][20]byte) ([]bool, error) {
	maps := make([]mmap.MMap, len(s.files))
	defer func() {
		for _, m := range maps {
			if m != nil {
				m.Unmap()
			}
		}
	}()

	for i, fd := range s.files {
		info, err := fd.f.Stat()
		if err != nil {
			return nil, fmt.Errorf("storage: stat: %w", err)
		}
		if info.Size() == 0 {
			continue // nothing written yet, cannot map
		}
		m, err := mmap.Map(fd.f, mmap.RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("storage: mmap: %w", err)
		}
		maps[i] = m
	}

	verified := make([]bool, len(hashes))
	for index := range hashes {
		begin, end := s.pieceBounds(index)
		buf := make([]byte, end-begin)
		if !s.readFromMaps(maps, buf, begin) {
			continue
		}
		if sha1.Sum(buf) == hashes[index] {
			verified[index] = true
		}
	}
	return verified, nil
}

// readFromMaps fills buf from the mapped regions starting at torrent
// offset begin, reporting false if any required byte is not on disk.
func (s *Files) readFromMaps(maps []mmap.MMap, buf []byte, begin int64) bool {
	end := begin + int64(len(buf))
	for i, fd := range s.files {
		segBegin := max(begin, fd.start)
		segEnd := min(end, fd.start+fd.length)
		if segBegin >= segEnd {
			continue
		}
		if maps[i] == nil || int64(len(maps[i])) < segEnd-fd.start {
			return false
		}
		copy(buf[segBegin-begin:segEnd-begin], maps[i][segBegin-fd.start:segEnd-fd.start])
	}
	return true
}

func (s *Files) Close() error {
	var firstErr error
	for _, fd := range s.files {
		if err := fd.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
