package helper

import "math/rand"

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// GeneratePeerID returns the 20-byte id we present in handshakes and
// tracker announces.
func GeneratePeerID() [20]byte {
	peerID := [20]byte{}
	for i := 0; i < 20; i++ {
		peerID[i] = symbols[rand.Intn(len(symbols))]
	}
	return peerID
}

// GenerateRandomID returns a random id of the given size, used for UDP
// tracker transaction ids.
func GenerateRandomID(size int) []byte {
	id := make([]byte, size)
	for i := 0; i < size; i++ {
		id[i] = symbols[rand.Intn(len(symbols))]
	}
	return id
}
