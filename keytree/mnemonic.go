package keytree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// DefaultEntropyBits is the entropy size of a new wallet, giving a 12-word
// mnemonic.
const DefaultEntropyBits = 128

// ErrInvalidMnemonic is returned when a mnemonic fails word list or checksum
// validation.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Entropy is the raw BIP39 entropy a wallet is created from. It is the only
// secret that needs to be persisted, every key is derived from it.
type Entropy []byte

// NewEntropy returns fresh random entropy of the given size in bits.
func NewEntropy(bits int) (Entropy, error) {
	e, err := bip39.NewEntropy(bits)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}

	return e, nil
}

// EntropyFromMnemonic validates the words and returns their entropy.
func EntropyFromMnemonic(words []string) (Entropy, error) {
	mnemonic := strings.Join(words, " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	e, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	return e, nil
}

// Mnemonic returns the english word list encoding the entropy.
func (e Entropy) Mnemonic() ([]string, error) {
	mnemonic, err := bip39.NewMnemonic(e)
	if err != nil {
		return nil, fmt.Errorf("generate mnemonic: %w", err)
	}

	return strings.Fields(mnemonic), nil
}

// Seed stretches the mnemonic of the entropy with the optional password into
// a 64-byte BIP32 seed.
func (e Entropy) Seed(password string) ([]byte, error) {
	words, err := e.Mnemonic()
	if err != nil {
		return nil, err
	}

	return bip39.NewSeed(strings.Join(words, " "), password), nil
}

// Master derives the master node of the entropy. The intermediate seed is
// cleared before returning.
func (e Entropy) Master(password string) (*FullNode, error) {
	seed, err := e.Seed(password)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	return NewMaster(seed)
}

// Zero overwrites the entropy with zeroes.
func (e Entropy) Zero() {
	zero(e)
}
