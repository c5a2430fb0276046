package secio

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
	"strings"
)

// Default preference lists, per spec.md §4.D step 1. Order matters: it is
// part of the protocol (an insertion-ordered list, not a set), per spec.md
// §9.
var (
	DefaultExchanges = []string{"P-256", "P-384", "P-521"}
	DefaultHashes    = []string{"SHA256", "SHA512"}
	DefaultCiphers   = []string{"AES-128", "AES-256"}
)

// ErrSelfConnecting is returned by orderKeys when both sides proposed
// identical permanent keys and nonces (order == 0).
var ErrSelfConnecting = errors.New("secio: self connecting")

// ErrNoCommonAlgos is returned by selectBest when the two preference lists
// share no common entry.
var ErrNoCommonAlgos = errors.New("secio: no common algorithms")

// orderKeys computes which side is "higher" per spec.md §4.D step 2:
// h1 = SHA256(remotePub || localNonce), h2 = SHA256(localPub || remoteNonce).
// order > 0 means the local side is higher.
func orderKeys(localPub, remotePub, localNonce, remoteNonce []byte) (order int, err error) {
	h1 := sha256.Sum256(append(append([]byte(nil), remotePub...), localNonce...))
	h2 := sha256.Sum256(append(append([]byte(nil), localPub...), remoteNonce...))
	for i := range h1 {
		if h1[i] != h2[i] {
			if h1[i] > h2[i] {
				return 1, nil
			}
			return -1, nil
		}
	}
	return 0, ErrSelfConnecting
}

// selectBest walks the higher side's preference order and returns the first
// entry also present in the other side's CSV list.
func selectBest(order int, localPrefsCSV string, remotePrefsCSV string) (string, error) {
	local := strings.Split(localPrefsCSV, ",")
	remote := strings.Split(remotePrefsCSV, ",")

	remoteSet := make(map[string]bool, len(remote))
	for _, r := range remote {
		remoteSet[r] = true
	}
	localSet := make(map[string]bool, len(local))
	for _, l := range local {
		localSet[l] = true
	}

	if order > 0 {
		for _, p := range local {
			if remoteSet[p] {
				return p, nil
			}
		}
	} else {
		for _, p := range remote {
			if localSet[p] {
				return p, nil
			}
		}
	}
	return "", ErrNoCommonAlgos
}

// StretchedKey holds the IV, symmetric cipher key, and MAC key for one
// direction of traffic.
type StretchedKey struct {
	IV        []byte
	CipherKey []byte
	MacKey    []byte
}

func hashFactory(name string) (func() hash.Hash, error) {
	switch name {
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("secio: unsupported hash " + name)
	}
}

func cipherKeySize(cipher string) (keyLen, ivLen int, err error) {
	switch cipher {
	case "AES-128":
		return 16, 16, nil
	case "AES-256":
		return 32, 16, nil
	default:
		return 0, 0, errors.New("secio: unsupported cipher " + cipher)
	}
}

const macKeySize = 20

// stretchKeys implements the HMAC-based key stretcher of spec.md §4.D step
// 6: seed "key expansion", HMAC keyed by shared secret using the chosen
// hash, doubled in length and split into two StretchedKey halves.
func stretchKeys(cipher, hashName string, shared []byte) (first, second StretchedKey, err error) {
	keyLen, ivLen, err := cipherKeySize(cipher)
	if err != nil {
		return StretchedKey{}, StretchedKey{}, err
	}
	hf, err := hashFactory(hashName)
	if err != nil {
		return StretchedKey{}, StretchedKey{}, err
	}

	halfLen := ivLen + keyLen + macKeySize
	need := 2 * halfLen

	seed := []byte("key expansion")
	mac := hmac.New(hf, shared)

	var output []byte
	a := seed
	for len(output) < need {
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)

		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		output = append(output, mac.Sum(nil)...)
	}
	output = output[:need]

	split := func(b []byte) StretchedKey {
		return StretchedKey{
			IV:        append([]byte(nil), b[:ivLen]...),
			CipherKey: append([]byte(nil), b[ivLen:ivLen+keyLen]...),
			MacKey:    append([]byte(nil), b[ivLen+keyLen:ivLen+keyLen+macKeySize]...),
		}
	}
	return split(output[:halfLen]), split(output[halfLen:]), nil
}
