package signature

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// DefaultAddressVersion is the P2PKH version byte of Telestai mainnet
// addresses ("T..." prefix).
const DefaultAddressVersion byte = 0x42

var (
	ErrInvalidKeyFormat = errors.New("invalid key format")
	ErrInvalidKeyBytes  = errors.New("invalid key bytes")
)

// GenerateKeyPair returns a compressed public key hex and a
// "secp256k1:<hex>" private key string.
func GenerateKeyPair() (pubKeyHex, privKeyString string, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", err
	}
	return PublicKeyHex(priv.PubKey()), PrivateKeyString(priv), nil
}

func PublicKeyHex(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

func PrivateKeyString(priv *btcec.PrivateKey) string {
	return "secp256k1:" + hex.EncodeToString(priv.Serialize())
}

func ParsePublicKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidKeyBytes
	}
	return pub, nil
}

func ParsePrivateKey(s string) (*btcec.PrivateKey, error) {
	enc := strings.TrimPrefix(strings.TrimSpace(s), "secp256k1:")
	if enc == "" || !looksHex(enc) {
		return nil, ErrInvalidKeyFormat
	}
	b, err := hex.DecodeString(enc)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, ErrInvalidKeyBytes
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// AddressFromPubKey derives the base58check P2PKH address of the given
// serialized public key.
func AddressFromPubKey(serialized []byte, version byte) string {
	return base58.CheckEncode(btcutil.Hash160(serialized), version)
}

// AddressFromPrivateKey derives the compressed-key address, the form
// wallets display.
func AddressFromPrivateKey(priv *btcec.PrivateKey, version byte) string {
	return AddressFromPubKey(priv.PubKey().SerializeCompressed(), version)
}

func looksHex(s string) bool {
	for _, r := range s {
		switch {
		case '0' <= r && r <= '9':
		case 'a' <= r && r <= 'f':
		case 'A' <= r && r <= 'F':
		default:
			return false
		}
	}
	return true
}
