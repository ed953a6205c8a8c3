package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yangkx1024/ytorrent/bitfield"
	"github.com/yangkx1024/ytorrent/file"
	"github.com/yangkx1024/ytorrent/handshake"
	"github.com/yangkx1024/ytorrent/message"
	"github.com/yangkx1024/ytorrent/peer"
	"github.com/yangkx1024/ytorrent/storage"
)

func makeContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i*7 + i/256)
	}
	return content
}

func makeTorrentFile(content []byte, pieceLength int, name string) *file.TorrentFile {
	numPieces := (len(content) + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLength
		if end > len(content) {
			end = len(content)
		}
		hashes[i] = sha1.Sum(content[i*pieceLength : end])
	}
	tf := &file.TorrentFile{
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Length:      len(content),
		Name:        name,
		Files:       []storage.FileSpec{{Path: name, Length: len(content)}},
	}
	tf.InfoHash = sha1.Sum(content)
	return tf
}

// startSeeder runs a minimal remote peer on a loopback listener: it
// completes handshakes, advertises every piece, unchokes on interest
// and serves requested blocks. With corrupt set it flips a bit in every
// block it serves.
func startSeeder(t *testing.T, infoHash [20]byte, content []byte, pieceLength int, corrupt bool) peer.Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSeederConn(conn, infoHash, content, pieceLength, corrupt)
		}
	}()

	p, err := peer.FromAddr(ln.Addr().String())
	if err != nil {
		t.Fatalf("bad seeder addr: %v", err)
	}
	return p
}

func serveSeederConn(conn net.Conn, infoHash [20]byte, content []byte, pieceLength int, corrupt bool) {
	defer conn.Close()

	hs, err := handshake.Read(conn)
	if err != nil || hs.Verify(infoHash) != nil {
		return
	}
	var id [20]byte
	copy(id[:], "-SD0001-seeder-seeds")
	if _, err := conn.Write(handshake.New(infoHash, id).Serialize()); err != nil {
		return
	}

	numPieces := (len(content) + pieceLength - 1) / pieceLength
	bf := bitfield.New(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.SetPiece(i)
	}
	if _, err := conn.Write((&message.Message{ID: message.Bitfield, Payload: bf}).Serialize()); err != nil {
		return
	}

	for {
		msg, err := message.Read(conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case message.Interested:
			conn.Write((&message.Message{ID: message.Unchoke}).Serialize())
		case message.Request:
			index, begin, length, err := message.ReadRequestMessage(msg)
			if err != nil {
				return
			}
			start := index*pieceLength + begin
			if start < 0 || start+length > len(content) {
				return
			}
			block := append([]byte(nil), content[start:start+length]...)
			if corrupt {
				block[0] ^= 0xff
			}
			conn.Write(message.CreatePieceMessage(index, begin, block).Serialize())
		}
	}
}

func testConfig(dir string, peers ...peer.Peer) Config {
	cfg := DefaultConfig
	cfg.OutputDir = dir
	cfg.UseTrackers = false
	cfg.UseDHT = false
	cfg.ShowDownloadProgress = false
	cfg.Peers = peers
	cfg.Piece.BlockSize = 4096
	cfg.Swarm.ChokeInterval = 100 * time.Millisecond
	return cfg
}

func TestDownloadFromSeeder(t *testing.T) {
	content := makeContent(32 * 1024)
	pieceLength := 16 * 1024
	tf := makeTorrentFile(content, pieceLength, "payload.bin")
	seeder := startSeeder(t, tf.InfoHash, content, pieceLength, false)

	dir := t.TempDir()
	tor, err := New(tf, testConfig(dir, seeder))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tor.Download(ctx); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	if !tor.IsComplete() {
		t.Fatal("download reported success but is not complete")
	}
	if tor.BytesVerified() != len(content) {
		t.Errorf("verified %d bytes, want %d", tor.BytesVerified(), len(content))
	}
	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("output file differs from original content")
	}
}

func TestDownloadTruncatedLastPiece(t *testing.T) {
	content := makeContent(16*1024 + 5000)
	pieceLength := 16 * 1024
	tf := makeTorrentFile(content, pieceLength, "odd.bin")
	seeder := startSeeder(t, tf.InfoHash, content, pieceLength, false)

	dir := t.TempDir()
	tor, err := New(tf, testConfig(dir, seeder))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tor.Download(ctx); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "odd.bin"))
	if !bytes.Equal(got, content) {
		t.Error("output file differs from original content")
	}
}

func TestHashMismatchRecoversViaOtherPeer(t *testing.T) {
	content := makeContent(32 * 1024)
	pieceLength := 16 * 1024
	tf := makeTorrentFile(content, pieceLength, "payload.bin")
	evil := startSeeder(t, tf.InfoHash, content, pieceLength, true)
	good := startSeeder(t, tf.InfoHash, content, pieceLength, false)

	dir := t.TempDir()
	cfg := testConfig(dir, evil, good)
	cfg.Swarm.MaxStrikes = 1
	tor, err := New(tf, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := tor.Download(ctx); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if !bytes.Equal(got, content) {
		t.Error("output corrupted despite hash verification")
	}
}

func TestResumeSkipsVerifiedPieces(t *testing.T) {
	content := makeContent(32 * 1024)
	pieceLength := 16 * 1024
	tf := makeTorrentFile(content, pieceLength, "payload.bin")

	// piece 0 already on disk from an earlier run
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "payload.bin"), content[:pieceLength], 0o644); err != nil {
		t.Fatal(err)
	}

	seeder := startSeeder(t, tf.InfoHash, content, pieceLength, false)
	tor, err := New(tf, testConfig(dir, seeder))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tor.BytesVerified() != pieceLength {
		t.Fatalf("resume found %d verified bytes, want %d", tor.BytesVerified(), pieceLength)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tor.Download(ctx); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if !bytes.Equal(got, content) {
		t.Error("output file differs from original content")
	}
}

func TestAlreadyCompleteReturnsImmediately(t *testing.T) {
	content := makeContent(8 * 1024)
	pieceLength := 4 * 1024
	tf := makeTorrentFile(content, pieceLength, "done.bin")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "done.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(dir)
	cfg.Peers = []peer.Peer{{IP: net.IPv4(127, 0, 0, 1), Port: 1}} // never dialed
	tor, err := New(tf, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !tor.IsComplete() {
		t.Fatal("rescan did not find the completed payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tor.Download(ctx); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
}

func TestNewRejectsNoPeerSource(t *testing.T) {
	tf := makeTorrentFile(makeContent(1024), 1024, "x.bin")
	cfg := DefaultConfig
	cfg.OutputDir = t.TempDir()
	cfg.UseTrackers = false
	cfg.UseDHT = false
	if _, err := New(tf, cfg); err == nil {
		t.Error("expected error with no peer source configured")
	}
}
