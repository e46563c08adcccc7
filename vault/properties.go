package vault

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
)

const (
	// entropyKey names the wallet entropy in the secret store.
	entropyKey = "entropy"

	// activeLedgerKey names the active ledger slot property.
	activeLedgerKey = "ledger.active"

	// checksumSuffix is appended to a secret's key to name its checksum
	// property.
	checksumSuffix = ".checksum"
)

// SecretStore keeps secret values.
type SecretStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// PropertyStore keeps small plain values.
type PropertyStore interface {
	Property(key string) ([]byte, error)
	SetProperty(key string, value []byte) error
}

// Properties persists the wallet entropy, the neutered account node of
// every unique source and the active ledger slot. Every secret is stored
// with a sha256 checksum kept in the property store. A checksum mismatch
// means one of the stores was tampered with and aborts.
type Properties struct {
	secrets SecretStore
	props   PropertyStore
}

// NewProperties returns properties kept in the two stores.
func NewProperties(secrets SecretStore, props PropertyStore) *Properties {
	return &Properties{secrets: secrets, props: props}
}

func nodeKey(src source.Source) string {
	return "node." + src.String()
}

// storeChecked stores a secret together with its checksum.
func (p *Properties) storeChecked(key string, value []byte) error {
	if err := p.secrets.Put(key, value); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}

	err := p.props.SetProperty(key+checksumSuffix, chainhash.HashB(value))
	if err != nil {
		return fmt.Errorf("store %s checksum: %w", key, err)
	}

	return nil
}

// loadChecked loads a secret and verifies its checksum.
func (p *Properties) loadChecked(key string) ([]byte, error) {
	value, err := p.secrets.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	checksum, err := p.props.Property(key + checksumSuffix)
	if err != nil {
		return nil, fmt.Errorf("load %s checksum: %w", key, err)
	}

	if !bytes.Equal(chainhash.HashB(value), checksum) {
		panic(fmt.Sprintf("checksum mismatch of %s, secret or "+
			"property store was tampered with", key))
	}

	return value, nil
}

// StoreEntropy stores the wallet entropy.
func (p *Properties) StoreEntropy(entropy keytree.Entropy) error {
	return p.storeChecked(entropyKey, entropy)
}

// LoadEntropy loads the wallet entropy. Callers zero it after use.
func (p *Properties) LoadEntropy() (keytree.Entropy, error) {
	return p.loadChecked(entropyKey)
}

// Master loads the entropy and derives the master node with the BIP39
// password.
func (p *Properties) Master(password string) (*keytree.FullNode, error) {
	entropy, err := p.LoadEntropy()
	if err != nil {
		return nil, err
	}
	defer entropy.Zero()

	return entropy.Master(password)
}

// StoreNode stores the neutered account node of src.
func (p *Properties) StoreNode(src source.Source,
	node *keytree.NeuteredNode) error {

	b, err := node.Bytes()
	if err != nil {
		return err
	}

	return p.storeChecked(nodeKey(src), b)
}

// LoadNode loads the neutered account node of src.
func (p *Properties) LoadNode(src source.Source) (*keytree.NeuteredNode,
	error) {

	b, err := p.loadChecked(nodeKey(src))
	if err != nil {
		return nil, err
	}

	node, err := keytree.ParseNeuteredNode(b)
	if err != nil {
		panic(fmt.Sprintf("stored %v node is malformed: %v", src, err))
	}

	return node, nil
}

// ActiveSlot returns the authoritative ledger slot.
func (p *Properties) ActiveSlot() (ledger.Slot, error) {
	b, err := p.props.Property(activeLedgerKey)
	if err != nil {
		return 0, fmt.Errorf("load active ledger: %w", err)
	}

	switch string(b) {
	case ledger.SlotFirst.String():
		return ledger.SlotFirst, nil

	case ledger.SlotSecond.String():
		return ledger.SlotSecond, nil

	default:
		panic(fmt.Sprintf("active ledger property holds %q", b))
	}
}

// SetActiveSlot persists the authoritative ledger slot. It has the shape of
// a ledger.PersistFunc.
func (p *Properties) SetActiveSlot(_ context.Context, slot ledger.Slot) error {
	return p.props.SetProperty(activeLedgerKey, []byte(slot.String()))
}
