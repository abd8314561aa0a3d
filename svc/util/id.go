package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"gistlock/pkg/domain"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// idLength of 11 base62 chars holds the full 64 bits of entropy drawn
// below, so collisions are only ever a store-level concern.
const idLength = 11

const maxIDRetries = 5

// GenID draws random ids until exists reports one free. The store is
// the only authority on uniqueness; this does no local bookkeeping.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < maxIDRetries; retry++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.Wrapf(domain.ErrIDGenerationFailed, "exhausted %d retries", maxIDRetries)
}
func toBase62(num *big.Int) string {
	if num.Sign() == 0 {
		return string(base62Chars[0])
	}
	base := big.NewInt(62)
	result := make([]byte, 0, idLength)
	zero := big.NewInt(0)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < idLength {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
