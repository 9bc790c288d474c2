package objstore

import "github.com/rcowham/gosvnd/svnerr"

// NextKey implements the base-36 successor algorithm from
// libsvn_fs/key-gen.c's svn_fs__next_key, ported digit-for-digit: work
// right to left carrying a digit/letter increment ('9' -> 'a', 'z' wraps
// to '0' with carry), widen by prepending '1' if the carry survives the
// leftmost digit. "0" is the reserved empty key; any input with a leading
// zero longer than one character is rejected (mirrors the C: *len = 0).
//
// Examples pinned by Testable Property 4 / E5:
//
//	NextKey("9")  == "a"
//	NextKey("az") == "b0"
//	NextKey("zz") == "100"
//	NextKey("0x") == "" (rejected: leading zero)
func NextKey(key string) (string, error) {
	if key == "" {
		return "", svnerr.New(svnerr.IncorrectParams, key, "empty key")
	}
	if len(key) > 1 && key[0] == '0' {
		return "", svnerr.New(svnerr.IncorrectParams, key, "leading zero forbidden")
	}
	buf := []byte(key)
	carry := true
	for i := len(buf) - 1; i >= 0 && carry; i-- {
		c := buf[i]
		switch {
		case c >= '0' && c <= '9':
			if c == '9' {
				buf[i] = 'a'
				carry = false
			} else {
				buf[i] = c + 1
				carry = false
			}
		case c >= 'a' && c <= 'z':
			if c == 'z' {
				buf[i] = '0'
				// carry remains true
			} else {
				buf[i] = c + 1
				carry = false
			}
		default:
			return "", svnerr.New(svnerr.IncorrectParams, key, "invalid digit in key")
		}
	}
	if carry {
		return "1" + string(buf), nil
	}
	return string(buf), nil
}
