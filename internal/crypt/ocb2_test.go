package crypt

import (
	"bytes"
	"testing"
)

func testKeys() (key, clientNonce, serverNonce [16]byte) {
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range clientNonce {
		clientNonce[i] = byte(0xA0 + i)
	}
	for i := range serverNonce {
		serverNonce[i] = byte(0xB0 + i)
	}
	return key, clientNonce, serverNonce
}

func pairedStates(t *testing.T) (client, server *CryptState) {
	t.Helper()
	key, clientNonce, serverNonce := testKeys()

	client = &CryptState{}
	if err := client.SetKey(key, clientNonce, serverNonce); err != nil {
		t.Fatalf("client.SetKey: %v", err)
	}
	server = &CryptState{}
	// The server's encrypt IV is the client's decrypt IV and vice versa:
	// each side encrypts starting from its own nonce and decrypts the
	// peer's stream starting from the peer's nonce.
	if err := server.SetKey(key, serverNonce, clientNonce); err != nil {
		t.Fatalf("server.SetKey: %v", err)
	}
	return client, server
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	client, server := pairedStates(t)

	payloads := [][]byte{
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		[]byte("this payload is longer than one single 16 byte aes block"),
		make([]byte, 0),
	}

	for _, p := range payloads {
		packet, err := client.Encrypt(p)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", p, err)
		}
		got, err := server.Decrypt(packet)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", p, err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch: got %v want %v", got, p)
		}
	}

	if server.StatsLocal.Good != uint32(len(payloads)) {
		t.Fatalf("StatsLocal.Good = %d, want %d", server.StatsLocal.Good, len(payloads))
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	client, server := pairedStates(t)

	packet, err := client.Encrypt([]byte("hello world"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	packet[len(packet)-1] ^= 0xFF

	if _, err := server.Decrypt(packet); err != ErrRejected {
		t.Fatalf("Decrypt of tampered packet = %v, want ErrRejected", err)
	}
}

func TestDecryptRejectsReplay(t *testing.T) {
	client, server := pairedStates(t)

	packet, err := client.Encrypt([]byte("voice frame"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := server.Decrypt(packet); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := server.Decrypt(packet); err != ErrRejected {
		t.Fatalf("replayed Decrypt = %v, want ErrRejected", err)
	}
}

func TestDecryptAcceptsLateOutOfOrderPacket(t *testing.T) {
	client, server := pairedStates(t)

	var packets [][]byte
	for i := 0; i < 5; i++ {
		p, err := client.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		packets = append(packets, p)
	}

	// Deliver 0,1,3,4 then the late 2.
	order := []int{0, 1, 3, 4, 2}
	for _, idx := range order {
		got, err := server.Decrypt(packets[idx])
		if err != nil {
			t.Fatalf("Decrypt(packet %d): %v", idx, err)
		}
		if got[0] != byte(idx) {
			t.Fatalf("Decrypt(packet %d) = %v", idx, got)
		}
	}

	if server.StatsLocal.Late != 1 {
		t.Fatalf("StatsLocal.Late = %d, want 1", server.StatsLocal.Late)
	}
	if server.StatsLocal.Good != 5 {
		t.Fatalf("StatsLocal.Good = %d, want 5", server.StatsLocal.Good)
	}
}

func TestDecryptCountsLostPackets(t *testing.T) {
	client, server := pairedStates(t)

	var packets [][]byte
	for i := 0; i < 4; i++ {
		p, err := client.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		packets = append(packets, p)
	}

	// Drop packets 1 and 2; deliver 0 then 3.
	if _, err := server.Decrypt(packets[0]); err != nil {
		t.Fatalf("Decrypt(0): %v", err)
	}
	if _, err := server.Decrypt(packets[3]); err != nil {
		t.Fatalf("Decrypt(3): %v", err)
	}

	if server.StatsLocal.Lost != 2 {
		t.Fatalf("StatsLocal.Lost = %d, want 2", server.StatsLocal.Lost)
	}
}

func TestEncryptIVWrapsAcrossByteBoundary(t *testing.T) {
	client, server := pairedStates(t)

	// Drive the low IV byte through a full 256-value wrap and confirm
	// every packet still decrypts in order with no spurious rejections.
	for i := 0; i < 260; i++ {
		p, err := client.Encrypt([]byte{byte(i % 251)})
		if err != nil {
			t.Fatalf("Encrypt iteration %d: %v", i, err)
		}
		if _, err := server.Decrypt(p); err != nil {
			t.Fatalf("Decrypt iteration %d: %v", i, err)
		}
	}

	if server.StatsLocal.Good != 260 {
		t.Fatalf("StatsLocal.Good = %d, want 260", server.StatsLocal.Good)
	}
	if server.StatsLocal.Lost != 0 {
		t.Fatalf("StatsLocal.Lost = %d, want 0", server.StatsLocal.Lost)
	}
}

func TestSetDecryptIVResync(t *testing.T) {
	client, server := pairedStates(t)

	p, err := client.Encrypt([]byte("before resync"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := server.Decrypt(p); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	newIV := server.decryptIV
	newIV[0] ^= 0x42
	server.SetDecryptIV(newIV)

	if server.StatsLocal.Resync != 1 {
		t.Fatalf("StatsLocal.Resync = %d, want 1", server.StatsLocal.Resync)
	}
	if server.decryptHistory[p[0]] != 0 {
		t.Fatalf("expected replay history cleared by resync")
	}
}

func TestDecryptBeforeSetKeyFails(t *testing.T) {
	var c CryptState
	if _, err := c.Decrypt(make([]byte, 20)); err != ErrNotKeyed {
		t.Fatalf("Decrypt before SetKey = %v, want ErrNotKeyed", err)
	}
	if _, err := c.Encrypt([]byte("x")); err != ErrNotKeyed {
		t.Fatalf("Encrypt before SetKey = %v, want ErrNotKeyed", err)
	}
}

func TestDecryptRejectsShortPacket(t *testing.T) {
	_, server := pairedStates(t)
	if _, err := server.Decrypt([]byte{1, 2, 3}); err != ErrRejected {
		t.Fatalf("Decrypt(short) = %v, want ErrRejected", err)
	}
}
