package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/yangkx1024/ytorrent/bitfield"
	"github.com/yangkx1024/ytorrent/storage"
)

// data is requested in blocks (16kB), not whole pieces
const DefaultBlockSize = 16 * 1024

// Block is the unit of request: a (piece, offset, length) triple.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// Config carries the picker's tunable policy knobs.
type Config struct {
	// BlockSize is the request granularity in bytes.
	BlockSize int
	// EndgameThreshold is the number of globally missing blocks below
	// which duplicate cross-peer requests are allowed.
	EndgameThreshold int
	// WriteRetries bounds storage write attempts before the failure is
	// escalated as download-fatal.
	WriteRetries int
}

var DefaultConfig = Config{
	BlockSize:        DefaultBlockSize,
	EndgameThreshold: 20,
	WriteRetries:     3,
}

type pieceProgress int

const (
	missing pieceProgress = iota
	inProgress
	flushing
	verified
)

var (
	// ErrOutOfRange marks a delivery or have referencing data outside
	// the torrent. Connection-fatal for the sending peer.
	ErrOutOfRange = errors.New("piece: out of range")
	// ErrStorage marks an exhausted storage write. Download-fatal:
	// verified data cannot be durably committed.
	ErrStorage = errors.New("piece: storage write failed")
)

type pieceState struct {
	hash     [20]byte
	length   int
	progress pieceProgress

	// allocated lazily on the first block, released on verify/revert
	buf      []byte
	received []bool
	count    int

	// begin offset -> peer keys with the block in flight
	requested map[int]map[string]struct{}
	// begin offset -> peer key that supplied the block
	contributors map[int]string
}

func (ps *pieceState) numBlocks(blockSize int) int {
	return (ps.length + blockSize - 1) / blockSize
}

func (ps *pieceState) blockLength(begin, blockSize int) int {
	if ps.length-begin < blockSize {
		return ps.length - begin
	}
	return blockSize
}

// done reports that the piece needs no further blocks: it is either on
// its way to storage or already verified.
func (ps *pieceState) done() bool {
	return ps.progress == flushing || ps.progress == verified
}

func (ps *pieceState) reset() {
	ps.progress = missing
	ps.buf = nil
	ps.received = nil
	ps.count = 0
	ps.contributors = nil
}

// Receipt reports what a delivered block changed, so the swarm can act
// on it (send cancels, broadcast have, penalize contributors) without
// holding any piece state itself.
type Receipt struct {
	// Accepted is false for duplicate or already-verified deliveries.
	Accepted bool
	// Verified is set when the delivery completed the piece and its
	// hash matched.
	Verified bool
	// HashFailed is set when the delivery completed the piece and its
	// hash did not match; the piece reverted to missing.
	HashFailed bool
	// Contributors lists the peers that supplied blocks of a failed
	// piece, for misbehavior accounting.
	Contributors []string
	// Cancels maps peer keys to the block they should stop fetching,
	// for endgame duplicates resolved by this delivery.
	Cancels map[string]Block
}

// Manager is the scheduling brain: it tracks block-level state of every
// piece across the swarm, picks the next block per peer (rarest-first,
// endgame duplication), verifies completed pieces and flushes them to
// storage. All methods are safe for concurrent use; a single mutex
// serializes every state mutation.
type Manager struct {
	mu sync.Mutex

	cfg         Config
	pieceLength int
	totalLength int
	store       storage.Storage

	pieces   []*pieceState
	verified *roaring.Bitmap

	// piece index -> number of connected peers advertising it
	availability []int
	peerFields   map[string]bitfield.Bitfield
	// peer key -> blocks currently in flight to that peer
	pending map[string]map[Block]struct{}

	outstanding   int
	bytesVerified int
}

// NewManager creates the per-torrent piece state. hashes, pieceLength
// and totalLength come from the torrent metainfo; store receives
// verified pieces.
func NewManager(hashes [][20]byte, pieceLength, totalLength int, store storage.Storage, cfg Config) *Manager {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultConfig.BlockSize
	}
	if cfg.EndgameThreshold <= 0 {
		cfg.EndgameThreshold = DefaultConfig.EndgameThreshold
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = DefaultConfig.WriteRetries
	}

	m := &Manager{
		cfg:          cfg,
		pieceLength:  pieceLength,
		totalLength:  totalLength,
		store:        store,
		verified:     roaring.New(),
		availability: make([]int, len(hashes)),
		peerFields:   make(map[string]bitfield.Bitfield),
		pending:      make(map[string]map[Block]struct{}),
	}
	for index, hash := range hashes {
		length := pieceLength
		if begin := index * pieceLength; totalLength-begin < length {
			length = totalLength - begin
		}
		m.pieces = append(m.pieces, &pieceState{
			hash:      hash,
			length:    length,
			requested: make(map[int]map[string]struct{}),
		})
	}
	return m
}

// RegisterPeer records (or replaces) a peer's bitfield and updates the
// global rarity counters.
func (m *Manager) RegisterPeer(key string, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropAvailability(key)
	m.peerFields[key] = bf
	if m.pending[key] == nil {
		m.pending[key] = make(map[Block]struct{})
	}
	for index := range m.pieces {
		if bf.HasPiece(index) {
			m.availability[index]++
		}
	}
}

// PeerHas records a single have announcement.
func (m *Manager) PeerHas(key string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return fmt.Errorf("%w: have index %d of %d pieces", ErrOutOfRange, index, len(m.pieces))
	}
	bf, ok := m.peerFields[key]
	if !ok {
		bf = bitfield.New(len(m.pieces))
		m.peerFields[key] = bf
		if m.pending[key] == nil {
			m.pending[key] = make(map[Block]struct{})
		}
	}
	if !bf.HasPiece(index) {
		bf.SetPiece(index)
		m.availability[index]++
	}
	return nil
}

// WantsFrom reports whether the peer has any piece we still need, i.e.
// whether we should be interested in it.
func (m *Manager) WantsFrom(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerFields[key]
	if !ok {
		return false
	}
	for index, ps := range m.pieces {
		if !ps.done() && bf.HasPiece(index) {
			return true
		}
	}
	return false
}

// missingBlocks counts blocks not yet received across all non-verified
// pieces. Callers hold m.mu.
func (m *Manager) missingBlocks() int {
	count := 0
	for _, ps := range m.pieces {
		if ps.done() {
			continue
		}
		count += ps.numBlocks(m.cfg.BlockSize) - ps.count
	}
	return count
}

// NextRequest selects the next block to request from the given peer:
// rarest-first across the pieces the peer has, ties broken by lowest
// piece index, then lowest-offset missing block not already in flight
// to this peer. In endgame (few blocks left globally) a block may also
// be handed to several peers at once.
func (m *Manager) NextRequest(key string) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerFields[key]
	if !ok {
		return Block{}, false
	}
	endgame := m.missingBlocks() <= m.cfg.EndgameThreshold

	bestIndex := -1
	for index, ps := range m.pieces {
		if ps.done() || !bf.HasPiece(index) {
			continue
		}
		if !m.hasRequestableBlock(index, key, endgame) {
			continue
		}
		if bestIndex == -1 || m.availability[index] < m.availability[bestIndex] {
			bestIndex = index
		}
	}
	if bestIndex == -1 {
		return Block{}, false
	}

	ps := m.pieces[bestIndex]
	for begin := 0; begin < ps.length; begin += m.cfg.BlockSize {
		if !m.requestable(ps, begin, key, endgame) {
			continue
		}
		blk := Block{Index: bestIndex, Begin: begin, Length: ps.blockLength(begin, m.cfg.BlockSize)}
		if ps.requested[begin] == nil {
			ps.requested[begin] = make(map[string]struct{})
		}
		ps.requested[begin][key] = struct{}{}
		if m.pending[key] == nil {
			m.pending[key] = make(map[Block]struct{})
		}
		m.pending[key][blk] = struct{}{}
		m.outstanding++
		return blk, true
	}
	return Block{}, false
}

// requestable reports whether the block at begin may be handed to key.
// Callers hold m.mu.
func (m *Manager) requestable(ps *pieceState, begin int, key string, endgame bool) bool {
	if ps.count > 0 && ps.received[begin/m.cfg.BlockSize] {
		return false
	}
	if _, mine := ps.requested[begin][key]; mine {
		return false
	}
	if !endgame && len(ps.requested[begin]) > 0 {
		return false
	}
	return true
}

func (m *Manager) hasRequestableBlock(index int, key string, endgame bool) bool {
	ps := m.pieces[index]
	for begin := 0; begin < ps.length; begin += m.cfg.BlockSize {
		if m.requestable(ps, begin, key, endgame) {
			return true
		}
	}
	return false
}

// OnBlockReceived stores a delivered block. Completing a piece triggers
// hash verification: a match flushes the piece to storage and marks it
// verified; a mismatch reverts the piece to missing and reports the
// contributing peers. The only error returned is an exhausted storage
// write, which is download-fatal.
func (m *Manager) OnBlockReceived(key string, index, begin int, data []byte) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return Receipt{}, fmt.Errorf("%w: piece %d of %d", ErrOutOfRange, index, len(m.pieces))
	}
	ps := m.pieces[index]
	if begin < 0 || begin >= ps.length || begin%m.cfg.BlockSize != 0 ||
		len(data) != ps.blockLength(begin, m.cfg.BlockSize) {
		return Receipt{}, fmt.Errorf("%w: block (%d, %d, %d)", ErrOutOfRange, index, begin, len(data))
	}

	rcpt := Receipt{Cancels: m.resolveRequests(index, begin, key)}

	blockIndex := begin / m.cfg.BlockSize
	if ps.done() || (ps.received != nil && ps.received[blockIndex]) {
		// duplicate delivery, drop silently
		return rcpt, nil
	}

	if ps.buf == nil {
		ps.buf = make([]byte, ps.length)
		ps.received = make([]bool, ps.numBlocks(m.cfg.BlockSize))
		ps.contributors = make(map[int]string)
	}
	copy(ps.buf[begin:], data)
	ps.received[blockIndex] = true
	ps.contributors[begin] = key
	ps.count++
	ps.progress = inProgress
	rcpt.Accepted = true

	if ps.count < ps.numBlocks(m.cfg.BlockSize) {
		return rcpt, nil
	}

	// last block arrived, verify the assembled piece
	sum := sha1.Sum(ps.buf)
	if !bytes.Equal(sum[:], ps.hash[:]) {
		rcpt.HashFailed = true
		rcpt.Contributors = contributorKeys(ps.contributors)
		ps.reset()
		return rcpt, nil
	}

	// hash matched; flush without holding the lock so scheduling does
	// not stall behind disk retries
	buf := ps.buf
	ps.progress = flushing
	ps.buf = nil
	ps.received = nil
	ps.contributors = nil

	m.mu.Unlock()
	err := m.flush(index, buf)
	m.mu.Lock()
	if err != nil {
		return rcpt, err
	}
	ps.progress = verified
	m.verified.Add(uint32(index))
	m.bytesVerified += ps.length
	rcpt.Verified = true
	return rcpt, nil
}

// resolveRequests clears every in-flight record for the delivered block
// and returns the cancel obligations for other requesters. Callers hold
// m.mu.
func (m *Manager) resolveRequests(index, begin int, deliveredBy string) map[string]Block {
	ps := m.pieces[index]
	requesters := ps.requested[begin]
	if len(requesters) == 0 {
		return nil
	}

	var cancels map[string]Block
	for key := range requesters {
		blk := Block{Index: index, Begin: begin, Length: ps.blockLength(begin, m.cfg.BlockSize)}
		delete(m.pending[key], blk)
		m.outstanding--
		if key == deliveredBy {
			continue
		}
		if cancels == nil {
			cancels = make(map[string]Block)
		}
		cancels[key] = blk
	}
	delete(ps.requested, begin)
	return cancels
}

// flush writes a verified piece with bounded retries. Called without
// m.mu so a slow or retrying write never blocks scheduling.
func (m *Manager) flush(index int, data []byte) error {
	var err error
	for attempt := 0; attempt < m.cfg.WriteRetries; attempt++ {
		if err = m.store.WritePiece(index, data); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: piece %d after %d attempts: %v", ErrStorage, index, m.cfg.WriteRetries, err)
}

func contributorKeys(contributors map[int]string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, key := range contributors {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// ReleaseRequests returns every block in flight to the given peer to
// the requestable pool, e.g. after the remote choked us.
func (m *Manager) ReleaseRequests(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(key)
}

func (m *Manager) releaseLocked(key string) int {
	released := 0
	for blk := range m.pending[key] {
		delete(m.pieces[blk.Index].requested[blk.Begin], key)
		if len(m.pieces[blk.Index].requested[blk.Begin]) == 0 {
			delete(m.pieces[blk.Index].requested, blk.Begin)
		}
		delete(m.pending[key], blk)
		m.outstanding--
		released++
	}
	return released
}

// OnPeerDisconnected removes the peer's bitfield contribution from the
// rarity counters and requeues its outstanding blocks. Received data is
// kept: piece completion does not care who supplied which block.
func (m *Manager) OnPeerDisconnected(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := m.releaseLocked(key)
	m.dropAvailability(key)
	delete(m.peerFields, key)
	delete(m.pending, key)
	return released
}

// dropAvailability removes key's bitfield contribution. Callers hold m.mu.
func (m *Manager) dropAvailability(key string) {
	bf, ok := m.peerFields[key]
	if !ok {
		return
	}
	for index := range m.pieces {
		if bf.HasPiece(index) {
			m.availability[index]--
		}
	}
}

// PendingFor returns the number of blocks in flight to the given peer.
func (m *Manager) PendingFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[key])
}

// Outstanding returns the number of block requests in flight globally.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// IsComplete reports whether every piece is verified.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.verified.GetCardinality()) == len(m.pieces)
}

// Stalled reports that pieces are missing and no connected peer offers
// any of them. Not fatal: a newly discovered peer can unstall.
func (m *Manager) Stalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for index, ps := range m.pieces {
		if !ps.done() && m.availability[index] > 0 {
			return false
		}
	}
	return int(m.verified.GetCardinality()) != len(m.pieces)
}

// MarkVerified records a piece found intact on disk during a resume
// rescan. No storage write happens.
func (m *Manager) MarkVerified(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pieces[index]
	if ps.progress == verified {
		return
	}
	ps.reset()
	ps.progress = verified
	m.verified.Add(uint32(index))
	m.bytesVerified += ps.length
}

// HasPiece reports whether the given piece is verified locally, for
// serving upload requests.
func (m *Manager) HasPiece(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return index >= 0 && index < len(m.pieces) && m.pieces[index].progress == verified
}

// Bitfield returns our own verified set in wire form.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf := bitfield.New(len(m.pieces))
	m.verified.Iterate(func(index uint32) bool {
		bf.SetPiece(int(index))
		return true
	})
	return bf
}

// BytesVerified returns the number of payload bytes hash-verified so far.
func (m *Manager) BytesVerified() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesVerified
}

// PiecesVerified returns the number of verified pieces.
func (m *Manager) PiecesVerified() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.verified.GetCardinality())
}

// NumPieces returns the total piece count.
func (m *Manager) NumPieces() int {
	return len(m.pieces)
}

// TotalLength returns the torrent payload size in bytes.
func (m *Manager) TotalLength() int {
	return m.totalLength
}
