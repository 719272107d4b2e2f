// list_block_txs prints the transaction order of a block with the markers
// that matter when picking a replay target: system senders are skipped by
// the replayer and contract creations are rejected.
//
//	go run scripts/list_block_txs.go <block_number>
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pulkyeet/mev-simulator/internal/app"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/pulkyeet/mev-simulator/internal/eth"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/list_block_txs.go <block_number>")
	}
	blockNum, err := strconv.ParseUint(os.Args[1], 10, 64)
	if err != nil {
		log.Fatalf("bad block number %q: %v", os.Args[1], err)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	block, err := a.Client.BlockWithTransactions(ctx, blockNum)
	if err != nil {
		log.Fatal(err)
	}
	txs := block.Transactions
	fmt.Printf("\nBlock %d has %d transactions\n\n", blockNum, len(txs))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Hash", "From", "To", "Type", "Note"})
	for i, tx := range txs {
		table.Append([]string{
			strconv.Itoa(i),
			tx.Hash.Hex(),
			tx.From.Hex(),
			to(tx),
			strconv.FormatUint(uint64(tx.Type), 10),
			note(a, tx),
		})
	}
	table.Render()

	// Runs of the same sender exercise nonce ordering within a block.
	for i := 0; i < len(txs)-1; {
		j := i + 1
		for j < len(txs) && txs[j].From == txs[i].From {
			j++
		}
		if j-i > 1 {
			fmt.Printf("\nconsecutive txs from %s:\n", txs[i].From.Hex())
			for k := i; k < j; k++ {
				fmt.Printf("	[%d] %s\n", k, txs[k].Hash.Hex())
			}
		}
		i = j
	}
}

func to(tx *eth.Transaction) string {
	if tx.To == nil {
		return "-"
	}
	return tx.To.Hex()
}

func note(a *app.App, tx *eth.Transaction) string {
	switch {
	case a.Registry.IsSystemSender(tx.From):
		return "system (skipped)"
	case tx.IsCreate():
		return "create (not replayable)"
	}
	return ""
}
