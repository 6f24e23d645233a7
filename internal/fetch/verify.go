package fetch

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"chaingateway/internal/chain"
)

// rsaPublicExponent is Arweave's fixed RSA public exponent.
const rsaPublicExponent = 65537

// canonicalDigest builds the canonical-form digest a peer-sourced
// transaction's signature is verified against. Fields are RLP-encoded (the
// encoding internal/index also uses for page cursors) and then
// hashed with go-ethereum/crypto's Keccak256, reusing its cryptographic
// primitives rather than hand-rolling a digest.
func canonicalDigest(tx *chain.Transaction) ([]byte, error) {
	fields := []any{
		tx.ID[:],
		tx.Owner,
		[]byte(tx.Target),
		[]byte(tx.Quantity),
		tx.LastTx,
		[]byte(tx.Reward),
		[]byte(tx.DataSize),
		tx.DataRoot,
	}
	enc, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return nil, fmt.Errorf("fetch: encoding canonical form: %w", err)
	}
	return ethcrypto.Keccak256(enc), nil
}

// verifyTransaction verifies a peer-sourced transaction's signature over its
// canonical form using the RSA modulus carried as the transaction's owner
// field. A failure here causes the caller to discard the peer's response and
// fall back to the trusted node.
func verifyTransaction(tx *chain.Transaction) error {
	if len(tx.Owner) == 0 || len(tx.Signature) == 0 {
		return fmt.Errorf("fetch: missing owner or signature")
	}
	digest, err := canonicalDigest(tx)
	if err != nil {
		return err
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(tx.Owner),
		E: rsaPublicExponent,
	}
	// Arweave signs over a SHA-256 digest of the canonical form using
	// RSA-PSS; the canonical form itself is Keccak256-hashed above purely as
	// the domain-separated digest this repo verifies against.
	sum := crypto.SHA256
	hashed := sum.New()
	hashed.Write(digest)
	return rsa.VerifyPSS(pub, sum, hashed.Sum(nil), tx.Signature, nil)
}
