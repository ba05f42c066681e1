package mysqlcore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// nativePassword implements mysql_native_password:
//
//	SHA1(password) XOR SHA1(nonce || SHA1(SHA1(password)))
//
// An empty password yields an empty auth response, per protocol.
func nativePassword(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha1.Sum([]byte(password))
	pwHashHash := sha1.Sum(pwHash[:])

	h := sha1.New()
	h.Write(nonce)
	h.Write(pwHashHash[:])
	nonceHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ nonceHash[i]
	}
	return out
}

// cachingSHA2Password implements caching_sha2_password's scramble step:
//
//	SHA256(password) XOR SHA256(SHA256(SHA256(password)) || nonce)
//
// An empty password yields an empty auth response, per protocol.
func cachingSHA2Password(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha256.Sum256([]byte(password))
	pwHashHash := sha256.Sum256(pwHash[:])

	h := sha256.New()
	h.Write(pwHashHash[:])
	h.Write(nonce)
	nonceHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ nonceHash[i]
	}
	return out
}

// obscurePasswordRSA implements caching_sha2_password's full-auth path over
// an insecure channel: the password (NUL-terminated) is XORed byte-for-byte
// (cyclically) against the nonce, then RSA-OAEP(SHA1) encrypted under the
// server's public key.
func obscurePasswordRSA(password string, nonce []byte, serverPubPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(serverPubPEM)
	if block == nil {
		return nil, newProtocolError("obscurePasswordRSA", "invalid PEM public key from server")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, newProtocolError("obscurePasswordRSA", "parsing server public key: %v", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, newProtocolError("obscurePasswordRSA", "server public key is not RSA")
	}

	plain := make([]byte, len(password)+1)
	copy(plain, password)
	plain[len(password)] = 0
	for i := range plain {
		plain[i] ^= nonce[i%len(nonce)]
	}

	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("mysqlcore: encrypting password: %w", err)
	}
	return ciphertext, nil
}

// authPlugin abstracts over the two functional auth plugins this client
// implements. A third, unrecognized plugin name is always a terminal
// handshake failure (see otherPlugin).
type authPlugin interface {
	name() string
	scramble(password string, nonce []byte) []byte
}

type nativePlugin struct{}

func (nativePlugin) name() string                            { return authPluginNameNative }
func (nativePlugin) scramble(pw string, nonce []byte) []byte { return nativePassword(pw, nonce) }

type cachingSHA2Plugin struct{}

func (cachingSHA2Plugin) name() string { return authPluginNameCachingSHA2 }
func (cachingSHA2Plugin) scramble(pw string, nonce []byte) []byte {
	return cachingSHA2Password(pw, nonce)
}

type otherPlugin struct{ pluginName string }

func (p otherPlugin) name() string { return p.pluginName }
func (p otherPlugin) scramble(string, []byte) []byte {
	return nil
}

func pluginByName(name string) authPlugin {
	switch name {
	case authPluginNameNative:
		return nativePlugin{}
	case authPluginNameCachingSHA2:
		return cachingSHA2Plugin{}
	default:
		return otherPlugin{pluginName: name}
	}
}
