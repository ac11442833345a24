package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const signedMessageMagic = "Telestai Signed Message:\n"

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrPubKeyMismatch   = errors.New("public key does not match signature")
	ErrAddressMismatch  = errors.New("address does not match signature")
)

// MessageHash is the double SHA-256 digest wallets sign for a text message.
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	writeVarString(&buf, signedMessageMagic)
	writeVarString(&buf, message)
	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

// SignBase64 produces a 65-byte compact recoverable signature, base64
// encoded, over the signed-message digest.
func SignBase64(priv *btcec.PrivateKey, message string) (string, error) {
	if priv == nil {
		return "", ErrInvalidKeyBytes
	}
	sig := ecdsa.SignCompact(priv, MessageHash(message), true)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyBase64 recovers the signing key and checks it against pubKeyHex
// (optional) and address. It returns nil only when every check passes.
func VerifyBase64(message, signatureBase64, pubKeyHex, address string, version byte) error {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil || len(sig) != 65 {
		return ErrInvalidSignature
	}
	recovered, compressed, err := ecdsa.RecoverCompact(sig, MessageHash(message))
	if err != nil {
		return ErrInvalidSignature
	}

	if pubKeyHex != "" {
		want, err := ParsePublicKeyHex(pubKeyHex)
		if err != nil {
			return err
		}
		if !want.IsEqual(recovered) {
			return ErrPubKeyMismatch
		}
	}

	serialized := recovered.SerializeUncompressed()
	if compressed {
		serialized = recovered.SerializeCompressed()
	}
	if AddressFromPubKey(serialized, version) != address {
		return ErrAddressMismatch
	}
	return nil
}

// Verify is the boolean form of VerifyBase64.
func Verify(message, signatureBase64, pubKeyHex, address string, version byte) bool {
	return VerifyBase64(message, signatureBase64, pubKeyHex, address, version) == nil
}

func writeVarString(buf *bytes.Buffer, s string) {
	n := uint64(len(s))
	var tmp [9]byte
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		tmp[0] = 0xfd
		binary.LittleEndian.PutUint16(tmp[1:], uint16(n))
		buf.Write(tmp[:3])
	case n <= 0xffffffff:
		tmp[0] = 0xfe
		binary.LittleEndian.PutUint32(tmp[1:], uint32(n))
		buf.Write(tmp[:5])
	default:
		tmp[0] = 0xff
		binary.LittleEndian.PutUint64(tmp[1:], n)
		buf.Write(tmp[:9])
	}
	buf.WriteString(s)
}
