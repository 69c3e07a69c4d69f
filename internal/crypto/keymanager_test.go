package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	pk, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	want, _ := ethcrypto.HexToECDSA(testKeyHex)
	if ethcrypto.PubkeyToAddress(pk.PublicKey) != ethcrypto.PubkeyToAddress(want.PublicKey) {
		t.Fatal("decrypted key does not match original")
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestLoadKey(t *testing.T) {
	t.Run("raw wins", func(t *testing.T) {
		pk, err := LoadKey(KeySource{RawHex: testKeyHex, EncryptedPath: "/does/not/exist"})
		if err != nil {
			t.Fatalf("LoadKey: %v", err)
		}
		if pk == nil {
			t.Fatal("nil key")
		}
	})

	t.Run("encrypted file", func(t *testing.T) {
		blob, err := EncryptKey(testKeyHex, "pw")
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(t.TempDir(), "key.json")
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadKey(KeySource{EncryptedPath: path, Password: "pw"}); err != nil {
			t.Fatalf("LoadKey: %v", err)
		}
	})

	t.Run("invalid hex", func(t *testing.T) {
		if _, err := LoadKey(KeySource{RawHex: "zz"}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		if _, err := LoadKey(KeySource{}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSignerSignTx(t *testing.T) {
	pk, _ := ethcrypto.HexToECDSA(testKeyHex)
	s, err := NewSigner(pk, 31337)
	if err != nil {
		t.Fatal(err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: s.ChainID(), Nonce: 1, Gas: 21000})
	signed, err := s.SignTx(tx)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(s.ChainID()), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("sender = %s, want %s", from.Hex(), s.Address().Hex())
	}
}
