package signature

// SignPost signs the canonical message of a post submission with a
// "secp256k1:<hex>" private key and returns the signature, the compressed
// public key hex and the derived address.
func SignPost(privKeyString, content string, timestamp int64, bundleID string, version byte) (sig, pubKeyHex, address string, err error) {
	priv, err := ParsePrivateKey(privKeyString)
	if err != nil {
		return "", "", "", err
	}
	if version == 0 {
		version = DefaultAddressVersion
	}
	address = AddressFromPrivateKey(priv, version)
	sig, err = SignBase64(priv, CanonicalMessage(content, timestamp, address, bundleID))
	if err != nil {
		return "", "", "", err
	}
	return sig, PublicKeyHex(priv.PubKey()), address, nil
}
