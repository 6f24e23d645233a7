// Package fetch implements the Chain Fetcher: a rate-limited,
// deduplicating HTTP client against a trusted upstream node with
// opportunistic offload to a discovered peer set.
package fetch

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"

	"chaingateway/internal/chain"
)

// wireBlock mirrors the upstream node's JSON block shape.
type wireBlock struct {
	IndepHash            string    `json:"indep_hash"`
	PreviousBlock        string    `json:"previous_block"`
	Nonce                string    `json:"nonce"`
	Height               uint64    `json:"height"`
	Timestamp            int64     `json:"timestamp"`
	Diff                 string    `json:"diff"`
	CumulativeDiff       string    `json:"cumulative_diff"`
	LastRetarget         int64     `json:"last_retarget"`
	RewardAddr           string    `json:"reward_addr"`
	RewardPool           string    `json:"reward_pool"`
	BlockSize            string    `json:"block_size"`
	WeaveSize            string    `json:"weave_size"`
	USDToARRate          [2]string `json:"usd_to_ar_rate"`
	ScheduledUSDToARRate [2]string `json:"scheduled_usd_to_ar_rate"`
	HashListMerkle       string    `json:"hash_list_merkle"`
	WalletList           string    `json:"wallet_list"`
	TxRoot               string    `json:"tx_root"`
	Txs                  []string  `json:"txs"`
}

func parseRatePair(p [2]string) (chain.RatePair, error) {
	var out chain.RatePair
	for i, s := range p {
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return out, fmt.Errorf("fetch: parsing rate component %q: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}

// toBlock validates and converts a wireBlock into the domain Block. A
// missing indep_hash is treated as a fetch failure
func (w *wireBlock) toBlock() (*chain.Block, error) {
	if w.IndepHash == "" {
		return nil, fmt.Errorf("fetch: block missing indep_hash")
	}
	indep, err := chain.Hash48FromHex(w.IndepHash)
	if err != nil {
		return nil, fmt.Errorf("fetch: parsing indep_hash: %w", err)
	}
	var prev chain.Hash48
	if w.PreviousBlock != "" {
		prev, err = chain.Hash48FromHex(w.PreviousBlock)
		if err != nil {
			return nil, fmt.Errorf("fetch: parsing previous_block: %w", err)
		}
	}

	txIDs := make([]chain.ID32, 0, len(w.Txs))
	for _, t := range w.Txs {
		id, err := chain.ID32FromHex(t)
		if err != nil {
			return nil, fmt.Errorf("fetch: parsing tx id %q: %w", t, err)
		}
		txIDs = append(txIDs, id)
	}

	usdRate, err := parseRatePair(w.USDToARRate)
	if err != nil {
		return nil, err
	}
	schedRate, err := parseRatePair(w.ScheduledUSDToARRate)
	if err != nil {
		return nil, err
	}

	b := &chain.Block{
		Height:               w.Height,
		IndepHash:            indep,
		PreviousBlock:        prev,
		Nonce:                []byte(w.Nonce),
		Timestamp:            w.Timestamp,
		Diff:                 w.Diff,
		CumulativeDiff:       w.CumulativeDiff,
		LastRetarget:         w.LastRetarget,
		RewardAddr:           w.RewardAddr,
		RewardPool:           w.RewardPool,
		BlockSize:            w.BlockSize,
		WeaveSize:            w.WeaveSize,
		USDToARRate:          usdRate,
		ScheduledUSDToARRate: schedRate,
		HashListMerkle:       []byte(w.HashListMerkle),
		WalletList:           []byte(w.WalletList),
		TxRoot:               []byte(w.TxRoot),
		TxCount:              len(txIDs),
		TxIDs:                txIDs,
		Status:               chain.StatusNew,
	}
	return b, nil
}

// wireTag mirrors Arweave-style base64url-encoded tag pairs.
type wireTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// wireTx mirrors the upstream node's JSON transaction shape.
type wireTx struct {
	ID              string    `json:"id"`
	Signature       string    `json:"signature"`
	Format          int       `json:"format"`
	LastTx          string    `json:"last_tx"`
	Owner           string    `json:"owner"`
	Target          string    `json:"target"`
	Quantity        string    `json:"quantity"`
	Reward          string    `json:"reward"`
	DataSize        string    `json:"data_size"`
	DataRoot        string    `json:"data_root"`
	Tags            []wireTag `json:"tags"`
}

func (w *wireTx) toTransaction() (*chain.Transaction, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("fetch: transaction missing id")
	}
	id, err := chain.ID32FromHex(w.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch: parsing tx id: %w", err)
	}

	tags := make([]chain.Tag, 0, len(w.Tags))
	var contentType, contentEncoding string
	for _, t := range w.Tags {
		name, err := base64.RawURLEncoding.DecodeString(t.Name)
		if err != nil {
			return nil, fmt.Errorf("fetch: decoding tag name: %w", err)
		}
		value, err := base64.RawURLEncoding.DecodeString(t.Value)
		if err != nil {
			return nil, fmt.Errorf("fetch: decoding tag value: %w", err)
		}
		tags = append(tags, chain.Tag{Name: name, Value: value})
		switch string(name) {
		case "Content-Type":
			contentType = string(value)
		case "Content-Encoding":
			contentEncoding = string(value)
		}
	}

	owner := []byte(w.Owner)
	tx := &chain.Transaction{
		ID:              id,
		Signature:       []byte(w.Signature),
		Format:          w.Format,
		LastTx:          []byte(w.LastTx),
		Owner:           owner,
		OwnerAddress:    ownerAddress(owner),
		Target:          w.Target,
		Quantity:        w.Quantity,
		Reward:          w.Reward,
		DataSize:        w.DataSize,
		DataRoot:        []byte(w.DataRoot),
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		TagCount:        len(tags),
		Tags:            tags,
	}
	return tx, nil
}

// wireInfo mirrors GET /info.
type wireInfo struct {
	Height int64 `json:"height"`
	Blocks int64 `json:"blocks"`
}

// wireOffset mirrors GET /tx/{id}/offset.
type wireOffset struct {
	Offset string `json:"offset"`
	Size   string `json:"size"`
}

// ownerAddress derives the wallet address from the owner's RSA modulus: a
// SHA-256 digest of the raw modulus bytes, base64url-encoded. This is a
// content digest, not a signature verification primitive, so it uses the
// standard library rather than go-ethereum/crypto (reserved for the
// canonical-form digest used when verifying peer-sourced transactions).
func ownerAddress(owner []byte) string {
	if len(owner) == 0 {
		return ""
	}
	sum := sha256.Sum256(owner)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
