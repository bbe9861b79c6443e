// Package main provides spentstored, a small CLI over the spent-tree core:
// feeding it blocks, inspecting individual records, and reporting running
// scan statistics.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/joeldejesus1/bitcrust/internal/blockadd"
	"github.com/joeldejesus1/bitcrust/internal/blockstore"
	internalfs "github.com/joeldejesus1/bitcrust/internal/fs"
	"github.com/joeldejesus1/bitcrust/pkg/record"
	"github.com/joeldejesus1/bitcrust/pkg/spenttree"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	globalFlags := flag.NewFlagSet("spentstored", flag.ContinueOnError)
	globalFlags.SetOutput(stderr)

	dataDir := globalFlags.String("data-dir", "", "directory holding the spent-tree and content stores (overrides config)")
	fileSize := globalFlags.Uint32("file-size", 0, "flat-file size cap in bytes (overrides config)")
	maxContentSize := globalFlags.Uint32("max-content-size", 0, "block-content flat-file size cap in bytes (overrides config)")
	maxBlockSize := globalFlags.Int("max-block-size", 0, "reject blocks larger than this many bytes (overrides config)")
	configPath := globalFlags.String("config", "", "path to a JWCC config file")

	if err := globalFlags.Parse(args); err != nil {
		return 2
	}

	rest := globalFlags.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	cfg, err := loadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if *fileSize != 0 {
		cfg.FileSize = *fileSize
	}

	if *maxContentSize != 0 {
		cfg.MaxContentSize = *maxContentSize
	}

	if *maxBlockSize != 0 {
		cfg.MaxBlockSize = *maxBlockSize
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	store, closeStore, err := openStore(logger, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer closeStore()

	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "add-block":
		err = cmdAddBlock(store, cmdArgs)
	case "inspect":
		err = cmdInspect(store, stdout, cmdArgs)
	case "stats":
		err = cmdStats(store, stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n\n", cmd)
		printUsage(stderr)

		return 2
	}

	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	return 0
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage: spentstored [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  add-block <file>     parse and store a raw block, connecting it if possible")
	fmt.Fprintln(w, "  inspect <fileno:pos> dump the decoded record at a spent-tree pointer")
	fmt.Fprintln(w, "  stats                print running scan statistics")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --data-dir string          directory holding the stores")
	fmt.Fprintln(w, "  --file-size uint32         flat-file size cap in bytes")
	fmt.Fprintln(w, "  --max-content-size uint32  block-content flat-file size cap in bytes")
	fmt.Fprintln(w, "  --max-block-size int       reject blocks larger than this")
	fmt.Fprintln(w, "  --config string            path to a JWCC config file")
}

type openStores struct {
	blockadd   *blockadd.Store
	content    *blockstore.BlockContent
	txIndex    *blockstore.TxIndex
	blockIndex *blockstore.BlockHashIndex
	spentTree  *spenttree.SpentTree
}

func openStore(logger *slog.Logger, cfg config) (*openStores, func(), error) {
	fsys := internalfs.NewReal()

	contentDir := filepath.Join(cfg.DataDir, "content")
	recordDir := filepath.Join(cfg.DataDir, "spenttree")

	if err := fsys.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	content, err := blockstore.OpenBlockContent(fsys, contentDir, cfg.FileSize, cfg.MaxContentSize)
	if err != nil {
		return nil, nil, err
	}

	st, err := spenttree.Open(fsys, recordDir, cfg.FileSize, cfg.MaxContentSize, content)
	if err != nil {
		_ = content.Close()
		return nil, nil, err
	}

	txIndex := blockstore.NewTxIndex()
	if err := txIndex.Load(filepath.Join(cfg.DataDir, "tx-index.json")); err != nil {
		_ = st.Close()
		_ = content.Close()

		return nil, nil, err
	}

	blockIndex := blockstore.NewBlockHashIndex()
	if err := blockIndex.Load(filepath.Join(cfg.DataDir, "block-index.json")); err != nil {
		_ = st.Close()
		_ = content.Close()

		return nil, nil, err
	}

	genesisHash, err := cfg.genesisHashBytes()
	if err != nil {
		_ = st.Close()
		_ = content.Close()

		return nil, nil, err
	}

	orchestrator := blockadd.NewStore(logger, st, content, txIndex, blockIndex, blockadd.Config{
		MaxBlockSize: cfg.MaxBlockSize,
		GenesisHash:  genesisHash,
	})

	stores := &openStores{
		blockadd:   orchestrator,
		content:    content,
		txIndex:    txIndex,
		blockIndex: blockIndex,
		spentTree:  st,
	}

	closeFn := func() {
		_ = stores.txIndex.Save(filepath.Join(cfg.DataDir, "tx-index.json"))
		_ = stores.blockIndex.Save(filepath.Join(cfg.DataDir, "block-index.json"))
		_ = stores.spentTree.Close()
		_ = stores.content.Close()
	}

	return stores, closeFn, nil
}

func cmdAddBlock(stores *openStores, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("add-block: expected exactly one file argument")
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("add-block: %w", err)
	}

	return stores.blockadd.AddBlock(raw)
}

func cmdInspect(stores *openStores, stdout *os.File, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("inspect: expected exactly one <fileno:pos> argument")
	}

	ptr, err := parseRecordPtr(args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	rec, err := stores.spentTree.Record(ptr)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	fmt.Fprintf(stdout, "content: kind=%s address=%s output_index=%d\n", rec.Content.Kind, rec.Content.Address, rec.Content.OutputIndex)
	fmt.Fprintf(stdout, "previous: %s\n", rec.Previous)

	for i, skip := range rec.Skips {
		fmt.Fprintf(stdout, "skip[%d]: %s\n", i, skip)
	}

	return nil
}

func cmdStats(stores *openStores, stdout *os.File) error {
	s := stores.spentTree.Stats()

	fmt.Fprintf(stdout, "blocks: %d\n", s.Blocks)
	fmt.Fprintf(stdout, "inputs: %d\n", s.Inputs)
	fmt.Fprintf(stdout, "seeks: %d\n", s.Seeks)
	fmt.Fprintf(stdout, "jumps: %d\n", s.Jumps)

	for i, n := range s.SkipBucketHits {
		fmt.Fprintf(stdout, "skip_bucket_hits[%d]: %d\n", i, n)
	}

	return nil
}

func parseRecordPtr(s string) (record.RecordPtr, error) {
	fileNoStr, posStr, ok := strings.Cut(s, ":")
	if !ok {
		return record.RecordPtr{}, fmt.Errorf("want <fileno:pos>, got %q", s)
	}

	fileNo, err := strconv.ParseInt(fileNoStr, 10, 16)
	if err != nil {
		return record.RecordPtr{}, fmt.Errorf("fileno: %w", err)
	}

	pos, err := strconv.ParseUint(posStr, 10, 32)
	if err != nil {
		return record.RecordPtr{}, fmt.Errorf("pos: %w", err)
	}

	return record.RecordPtr{FileNo: int16(fileNo), Pos: uint32(pos)}, nil
}
