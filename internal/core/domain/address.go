package domain

import (
	"bytes"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const addressAlphabet = "13456789abcdefghijkmnopqrstuwxyz"

var addressPrefixes = []string{"nano_", "xrb_"}

var (
	ErrAddressPrefix   = errors.New("address must start with nano_ or xrb_")
	ErrAddressLength   = errors.New("address has wrong length")
	ErrAddressCharset  = errors.New("address contains invalid characters")
	ErrAddressChecksum = errors.New("address checksum mismatch")
)

var addressIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(addressAlphabet); i++ {
		idx[addressAlphabet[i]] = int8(i)
	}
	return idx
}()

// ValidateAddress checks the prefix, encoding and blake2b checksum of an account address.
func ValidateAddress(addr string) error {
	body := ""
	for _, p := range addressPrefixes {
		if strings.HasPrefix(addr, p) {
			body = addr[len(p):]
			break
		}
	}
	if body == "" {
		return ErrAddressPrefix
	}
	if len(body) != 60 {
		return ErrAddressLength
	}

	key, err := decodeAddressBase32(body[:52], 32)
	if err != nil {
		return err
	}
	checksum, err := decodeAddressBase32(body[52:], 5)
	if err != nil {
		return err
	}
	if !bytes.Equal(checksum, addressChecksum(key)) {
		return ErrAddressChecksum
	}
	return nil
}

// EncodeAddress builds the nano_ address for a 32-byte public key.
func EncodeAddress(publicKey []byte) string {
	return "nano_" + encodeAddressBase32(publicKey, 52) + encodeAddressBase32(addressChecksum(publicKey), 8)
}

func addressChecksum(key []byte) []byte {
	h, _ := blake2b.New(5, nil) // size 5 is always valid
	h.Write(key)
	sum := h.Sum(nil)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return sum
}

func decodeAddressBase32(s string, size int) ([]byte, error) {
	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		v := addressIndex[s[i]]
		if v < 0 {
			return nil, ErrAddressCharset
		}
		n.Lsh(n, 5)
		n.Or(n, big.NewInt(int64(v)))
	}
	if n.BitLen() > size*8 {
		return nil, ErrAddressCharset
	}
	return n.FillBytes(make([]byte, size)), nil
}

func encodeAddressBase32(b []byte, chars int) string {
	n := new(big.Int).SetBytes(b)
	mask := big.NewInt(31)
	out := make([]byte, chars)
	for i := chars - 1; i >= 0; i-- {
		out[i] = addressAlphabet[new(big.Int).And(n, mask).Int64()]
		n.Rsh(n, 5)
	}
	return string(out)
}
