package keytree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeDepth       tlv.Type = 0
	typeParentFP    tlv.Type = 2
	typeFingerprint tlv.Type = 4
	typeChainCode   tlv.Type = 6
	typePubKey      tlv.Type = 8
	typePath        tlv.Type = 10
)

// Encode writes the neutered node as a TLV stream.
func (n *NeuteredNode) Encode(w io.Writer) error {
	depth := uint8(len(n.path))
	parentFP := n.parentFP
	fingerprint := n.fingerprint
	chainCode := [32]byte(n.key.chainCode)
	pubKey := n.key.pub
	path := encodePath(n.path)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeDepth, &depth),
		tlv.MakePrimitiveRecord(typeParentFP, &parentFP),
		tlv.MakePrimitiveRecord(typeFingerprint, &fingerprint),
		tlv.MakePrimitiveRecord(typeChainCode, &chainCode),
		tlv.MakePrimitiveRecord(typePubKey, &pubKey),
		tlv.MakePrimitiveRecord(typePath, &path),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Bytes returns the TLV encoding of the node.
func (n *NeuteredNode) Bytes() ([]byte, error) {
	var b bytes.Buffer
	if err := n.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// DecodeNeuteredNode reads a neutered node written by Encode.
func DecodeNeuteredNode(r io.Reader) (*NeuteredNode, error) {
	var (
		depth       uint8
		parentFP    uint32
		fingerprint uint32
		chainCode   [32]byte
		pubKey      *btcec.PublicKey
		rawPath     []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeDepth, &depth),
		tlv.MakePrimitiveRecord(typeParentFP, &parentFP),
		tlv.MakePrimitiveRecord(typeFingerprint, &fingerprint),
		tlv.MakePrimitiveRecord(typeChainCode, &chainCode),
		tlv.MakePrimitiveRecord(typePubKey, &pubKey),
		tlv.MakePrimitiveRecord(typePath, &rawPath),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	path, err := decodePath(rawPath)
	if err != nil {
		return nil, err
	}

	switch {
	case pubKey == nil:
		return nil, fmt.Errorf("neutered node without public key")

	case int(depth) != len(path):
		return nil, fmt.Errorf("depth %d does not match path %v", depth,
			path)
	}

	key := &ExtendedKey{pub: pubKey, chainCode: ChainCode(chainCode)}
	if key.Fingerprint() != fingerprint {
		return nil, fmt.Errorf("fingerprint mismatch for node %v", path)
	}

	return &NeuteredNode{
		key: key,
		position: position{
			path:        path,
			parentFP:    parentFP,
			fingerprint: fingerprint,
		},
	}, nil
}

// ParseNeuteredNode decodes a node from its TLV bytes.
func ParseNeuteredNode(b []byte) (*NeuteredNode, error) {
	return DecodeNeuteredNode(bytes.NewReader(b))
}

func encodePath(p Path) []byte {
	b := make([]byte, 0, 4*len(p))
	for _, c := range p {
		b = binary.BigEndian.AppendUint32(b, uint32(c))
	}

	return b
}

func decodePath(b []byte) (Path, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: encoded length %d", ErrInvalidPath,
			len(b))
	}

	p := make(Path, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		p = append(p, ChildNumber(binary.BigEndian.Uint32(b[i:])))
	}

	return p, nil
}
