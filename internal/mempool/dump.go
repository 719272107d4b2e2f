// Package mempool reads mempool-dumpster parquet files and replays the
// transactions they saw included.
package mempool

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

const (
	readBatchSize  = 1000
	readerParallel = 4
)

var (
	ErrMissingRawTx = errors.New("row has no raw transaction")
	ErrHashMismatch = errors.New("row hash does not match the raw transaction")
)

// Row is one record of a mempool-dumpster parquet file. Columns not listed
// here are ignored.
type Row struct {
	Timestamp              int64  `parquet:"name=timestamp, type=INT64"`
	Hash                   string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainID                string `parquet:"name=chainId, type=BYTE_ARRAY, convertedtype=UTF8"`
	From                   string `parquet:"name=from, type=BYTE_ARRAY, convertedtype=UTF8"`
	To                     string `parquet:"name=to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Nonce                  string `parquet:"name=nonce, type=BYTE_ARRAY, convertedtype=UTF8"`
	Data4Bytes             string `parquet:"name=data4Bytes, type=BYTE_ARRAY, convertedtype=UTF8"`
	IncludedAtBlockHeight  *int64 `parquet:"name=includedAtBlockHeight, type=INT64, repetitiontype=OPTIONAL"`
	IncludedBlockTimestamp *int64 `parquet:"name=includedBlockTimestamp, type=INT64, repetitiontype=OPTIONAL"`
	InclusionDelayMs       *int64 `parquet:"name=inclusionDelayMs, type=INT64, repetitiontype=OPTIONAL"`
	RawTx                  string `parquet:"name=rawTx, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Entry is a decoded mempool transaction.
type Entry struct {
	Hash     common.Hash
	SeenAt   time.Time
	From     common.Address
	To       *common.Address
	Nonce    uint64
	Selector string
	Tx       *types.Transaction

	// IncludedBlock is zero when the transaction never landed.
	IncludedBlock  uint64
	InclusionDelay time.Duration
}

func (e *Entry) Included() bool {
	return e.IncludedBlock != 0
}

// ParseRow decodes the raw transaction of r and recovers its sender.
func ParseRow(r *Row) (*Entry, error) {
	if strings.TrimPrefix(r.RawTx, "0x") == "" {
		return nil, ErrMissingRawTx
	}
	raw, err := hexutil.Decode(ensurePrefix(r.RawTx))
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw tx hex: %w", err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode tx: %w", err)
	}
	if r.Hash != "" && common.HexToHash(r.Hash) != tx.Hash() {
		return nil, fmt.Errorf("%w: row %s, tx %s", ErrHashMismatch, r.Hash, tx.Hash().Hex())
	}

	chainID := tx.ChainId()
	if chainID == nil || chainID.Sign() == 0 {
		chainID = parseChainID(r.ChainID)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to extract sender: %w", err)
	}

	e := &Entry{
		Hash:   tx.Hash(),
		SeenAt: time.UnixMilli(r.Timestamp).UTC(),
		From:   from,
		To:     tx.To(),
		Nonce:  tx.Nonce(),
		Tx:     tx,
	}
	if data := tx.Data(); len(data) >= 4 {
		e.Selector = hexutil.Encode(data[:4])
	}
	if r.IncludedAtBlockHeight != nil && *r.IncludedAtBlockHeight > 0 {
		e.IncludedBlock = uint64(*r.IncludedAtBlockHeight)
	}
	if r.InclusionDelayMs != nil {
		e.InclusionDelay = time.Duration(*r.InclusionDelayMs) * time.Millisecond
	}
	return e, nil
}

func ensurePrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// parseChainID reads the decimal or hex chainId column; unknown means
// pre-EIP-155 (nil).
func parseChainID(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil
	}
	return v
}

// Dump is the decoded content of one parquet file.
type Dump struct {
	Path    string
	Entries []*Entry
	Rows    int
	Skipped int
}

// Included returns the entries that landed in blocks [from, to], in file
// order. to == 0 means no upper bound.
func (d *Dump) Included(from, to uint64) []*Entry {
	var out []*Entry
	for _, e := range d.Entries {
		if !e.Included() || e.IncludedBlock < from || (to != 0 && e.IncludedBlock > to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ReadDump reads every row of a mempool-dumpster parquet file. Rows that
// cannot be decoded are counted and skipped.
func ReadDump(path string) (*Dump, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(Row), readerParallel)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	dump := &Dump{Path: path}
	numRows := int(pr.GetNumRows())
	for read := 0; read < numRows; {
		n := min(readBatchSize, numRows-read)
		rows := make([]Row, n)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("failed to read rows %d-%d: %w", read, read+n, err)
		}
		if len(rows) == 0 {
			break
		}
		for i := range rows {
			e, err := ParseRow(&rows[i])
			if err != nil {
				dump.Skipped++
				log.Debug("Skipping mempool row", "row", read+i, "hash", rows[i].Hash, "err", err)
				continue
			}
			dump.Entries = append(dump.Entries, e)
		}
		read += len(rows)
		dump.Rows = read
	}
	log.Info("Read mempool dump", "path", path, "rows", dump.Rows, "entries", len(dump.Entries), "skipped", dump.Skipped)
	return dump, nil
}
