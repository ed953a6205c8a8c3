package file

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"

	"github.com/yangkx1024/ytorrent/storage"
)

// TorrentFile is the decoded metainfo: everything the engine needs to
// locate peers and verify what they send.
type TorrentFile struct {
	Announce     string
	AnnounceList []string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Length       int
	Name         string
	Files        []storage.FileSpec
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     bool              `bencode:"private,omitempty"`
	Source      string            `bencode:"source,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length   int      `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8,omitempty"`
}

func Open(path string) (*TorrentFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bto := bencodeTorrent{}
	err = bencode.Unmarshal(file, &bto)
	if err != nil {
		return nil, err
	}

	return bto.toTorrentFile()
}

// NumPieces is the number of SHA-1 entries carried by the info dict.
func (tf *TorrentFile) NumPieces() int {
	return len(tf.PieceHashes)
}

// The info hash identifies the torrent on the wire: SHA-1 over the
// bencoded info dict, re-encoded exactly as decoded.
func (binfo *bencodeInfo) hash() ([20]byte, error) {
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, *binfo)
	if err != nil {
		return [20]byte{}, err
	}
	h := sha1.Sum(buf.Bytes())
	return h, nil
}

func (binfo *bencodeInfo) generatePieceHashes() ([][20]byte, error) {
	hashLength := 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		err := fmt.Errorf("received incorrect number of pieces with length %d", len(buf))
		return nil, err
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

func (bto *bencodeTorrent) totalLength() (length int) {
	files := bto.Info.Files
	if files == nil {
		return bto.Info.Length
	}
	for _, f := range files {
		length += f.Length
	}
	return
}

// fileSpecs maps the info dict onto on-disk layout. A single-file
// torrent is one file named after the torrent; a multi-file torrent
// nests its paths under a directory with that name.
func (bto *bencodeTorrent) fileSpecs() []storage.FileSpec {
	if len(bto.Info.Files) == 0 {
		return []storage.FileSpec{{Path: bto.Info.Name, Length: bto.Info.Length}}
	}

	specs := make([]storage.FileSpec, 0, len(bto.Info.Files))
	for _, f := range bto.Info.Files {
		parts := f.Path
		if len(f.PathUTF8) > 0 {
			parts = f.PathUTF8
		}
		specs = append(specs, storage.FileSpec{
			Path:   filepath.Join(append([]string{bto.Info.Name}, parts...)...),
			Length: f.Length,
		})
	}
	return specs
}

func flattenAnnounceList(announceList [][]string) []string {
	var flat []string
	for _, tier := range announceList {
		flat = append(flat, tier...)
	}
	return flat
}

func (bto *bencodeTorrent) toTorrentFile() (*TorrentFile, error) {
	infoHash, err := bto.Info.hash()
	if err != nil {
		return nil, err
	}

	pieceHashes, err := bto.Info.generatePieceHashes()
	if err != nil {
		return nil, err
	}

	if bto.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("bad piece length %d", bto.Info.PieceLength)
	}
	length := bto.totalLength()
	wantHashes := (length + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if len(pieceHashes) != wantHashes {
		return nil, fmt.Errorf("%d piece hashes cannot cover %d bytes with piece length %d",
			len(pieceHashes), length, bto.Info.PieceLength)
	}

	tf := TorrentFile{
		Announce:     bto.Announce,
		AnnounceList: flattenAnnounceList(bto.AnnounceList),
		InfoHash:     infoHash,
		PieceLength:  bto.Info.PieceLength,
		PieceHashes:  pieceHashes,
		Length:       length,
		Name:         bto.Info.Name,
		Files:        bto.fileSpecs(),
	}
	return &tf, nil
}
