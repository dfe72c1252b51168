package user

import "time"

// AddressLength is the exact length of a canonical wallet address:
// "0x" followed by 40 hexadecimal characters.
const AddressLength = 42

// User is a wallet-identified account. The wallet address is the only
// credential; it is unique and immutable once the row exists.
type User struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ValidAddress reports whether s is a canonical wallet address.
func ValidAddress(s string) bool {
	if len(s) != AddressLength {
		return false
	}
	if s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for i := 2; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
