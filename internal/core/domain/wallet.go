package domain

import "time"

// Wallet is a locally managed signing wallet. The private key is stored
// encrypted under the user's passphrase and only decrypted at signing time.
type Wallet struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	EncryptedKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
