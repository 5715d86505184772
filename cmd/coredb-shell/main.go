// Command coredb-shell is an interactive REPL over a single on-disk
// B+Tree index, driving the buffer pool, lock manager, and transaction
// manager in-process. It plays the role the teacher's gojodb_cli played
// against a remote gateway, but dispatches straight into the storage
// core instead of over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	internaltelemetry "coredb/internal/telemetry"

	"coredb/core/concurrency/lock"
	"coredb/core/storage/btree"
	"coredb/core/storage/buffer"
	"coredb/core/storage/disk"
	"coredb/core/storage/page"
	"coredb/core/txn"
	txnmanager "coredb/core/txn/manager"

	"coredb/pkg/logger"
	"coredb/pkg/telemetry"
)

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".coredb_shell_history"
	}
	return filepath.Join(home, ".coredb_shell_history")
}

type shell struct {
	tree    *btree.Tree
	txns    *txnmanager.Manager
	locks   *lock.Manager
	metrics *internaltelemetry.EngineOperationMetrics
	current *txn.Transaction
}

func main() {
	var (
		dbPath      = flag.String("db", "coredb_shell.db", "database file path")
		poolSize    = flag.Int("pool-size", 64, "buffer pool frame count")
		replacerK   = flag.Int("replacer-k", 2, "LRU-K history depth")
		leafMax     = flag.Int("leaf-max", 64, "B+Tree leaf node capacity")
		internalMax = flag.Int("internal-max", 64, "B+Tree internal node capacity")
		histPath    = flag.String("history", defaultHistoryPath(), "history file path")
		logLevel    = flag.String("log-level", "info", "log level")
		telemetryOn = flag.Bool("telemetry", false, "enable OpenTelemetry/Prometheus export")
		promPort    = flag.Int("prometheus-port", 9464, "Prometheus metrics port")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTel, err := telemetry.New(telemetry.Config{
		Enabled:        *telemetryOn,
		ServiceName:    "coredb-shell",
		PrometheusPort: *promPort,
	})
	if err != nil {
		log.Sugar().Fatalf("telemetry: %v", err)
	}
	defer func() { _ = shutdownTel(context.Background()) }()

	dm, hdr, err := disk.Open(*dbPath, true, log)
	if err != nil {
		log.Sugar().Fatalf("open %s: %v", *dbPath, err)
	}
	defer dm.Close()

	bpm, err := buffer.New(buffer.Config{PoolSize: *poolSize, ReplacerK: *replacerK}, dm, log, tel.Meter)
	if err != nil {
		log.Sugar().Fatalf("buffer pool: %v", err)
	}

	tree, err := btree.Open(bpm, dm, btree.Config{LeafMax: *leafMax, InternalMax: *internalMax}, hdr.RootPageID, log, tel.Meter)
	if err != nil {
		log.Sugar().Fatalf("open index: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lm := lock.New(ctx, lock.Config{}, log, tel.Meter)
	tm := txnmanager.New(lm, log)

	metrics, err := internaltelemetry.NewEngineOperationMetrics(tel.Meter)
	if err != nil {
		log.Sugar().Warnf("engine metrics disabled: %v", err)
		metrics = nil
	}

	sh := &shell{tree: tree, txns: tm, locks: lm, metrics: metrics}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "coredb> ",
		HistoryFile:     *histPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("coredb-shell: %s (pool=%d leaf_max=%d internal_max=%d)\n", *dbPath, *poolSize, *leafMax, *internalMax)
	fmt.Println("type 'help' for commands")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}
		if err := sh.dispatch(ctx, fields[0], fields[1:]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (sh *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	if sh.metrics != nil {
		return sh.metrics.Track(ctx, cmd, func() error { return sh.run(ctx, cmd, args) })
	}
	return sh.run(ctx, cmd, args)
}

func (sh *shell) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		printHelp()
		return nil
	case "begin":
		return sh.begin(args)
	case "commit":
		return sh.commit(ctx)
	case "abort":
		return sh.abort(ctx)
	case "put":
		return sh.put(ctx, args)
	case "get":
		return sh.get(args)
	case "delete":
		return sh.delete(ctx, args)
	case "scan":
		return sh.scan(args)
	case "lock":
		return sh.lock(ctx, args)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func printHelp() {
	fmt.Print(`commands:
  begin [repeatable-read|read-committed|read-uncommitted]   start a transaction
  commit                                                     commit the current transaction
  abort                                                       abort the current transaction
  put <table> <key> <page> <slot>                            insert key -> RecordID{page,slot}
  get <key>                                                   point lookup
  delete <table> <key>                                        remove a key (requires row X lock)
  scan [fromKey]                                              iterate keys in ascending order
  lock table <is|ix|s|six|x> <table>                          acquire a table lock
  lock row <s|x> <table> <key>                                acquire a row lock
  exit | quit                                                 leave the shell
`)
}

func (sh *shell) requireTxn() (*txn.Transaction, error) {
	if sh.current == nil {
		return nil, fmt.Errorf("no active transaction; run 'begin' first")
	}
	return sh.current, nil
}

func (sh *shell) begin(args []string) error {
	if sh.current != nil {
		return fmt.Errorf("transaction %d already active; commit or abort it first", sh.current.ID())
	}
	level := txn.RepeatableRead
	if len(args) > 0 {
		switch args[0] {
		case "repeatable-read":
			level = txn.RepeatableRead
		case "read-committed":
			level = txn.ReadCommitted
		case "read-uncommitted":
			level = txn.ReadUncommitted
		default:
			return fmt.Errorf("unknown isolation level %q", args[0])
		}
	}
	sh.current = sh.txns.Begin(level)
	fmt.Printf("started txn %d\n", sh.current.ID())
	return nil
}

func (sh *shell) commit(ctx context.Context) error {
	t, err := sh.requireTxn()
	if err != nil {
		return err
	}
	if err := sh.txns.Commit(ctx, t); err != nil {
		return err
	}
	fmt.Printf("txn %d committed\n", t.ID())
	sh.current = nil
	return nil
}

func (sh *shell) abort(ctx context.Context) error {
	t, err := sh.requireTxn()
	if err != nil {
		return err
	}
	if err := sh.txns.Abort(ctx, t); err != nil {
		return err
	}
	fmt.Printf("txn %d aborted\n", t.ID())
	sh.current = nil
	return nil
}

func (sh *shell) put(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: put <table> <key> <page> <slot>")
	}
	t, err := sh.requireTxn()
	if err != nil {
		return err
	}
	table, key, err := parseTableAndKey(args[0], args[1])
	if err != nil {
		return err
	}
	pageID, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad page id: %w", err)
	}
	slot, err := strconv.ParseUint(args[3], 10, 32)
	if err != nil {
		return fmt.Errorf("bad slot: %w", err)
	}
	rid := page.RecordID{PageID: page.ID(pageID), SlotNum: uint32(slot)}

	if err := sh.locks.LockTable(ctx, t, txn.IntentionExclusive, table); err != nil {
		return err
	}
	if err := sh.locks.LockRow(ctx, t, txn.Exclusive, table, rid); err != nil {
		return err
	}
	ok, err := sh.tree.Put(key, rid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %d already exists", key)
	}
	t.RecordWrite(func() { _ = sh.tree.Remove(key) })
	fmt.Println("ok")
	return nil
}

func (sh *shell) get(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <key>")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	v, ok, err := sh.tree.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Printf("RecordID{page: %d, slot: %d}\n", v.PageID, v.SlotNum)
	return nil
}

func (sh *shell) delete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: delete <table> <key>")
	}
	t, err := sh.requireTxn()
	if err != nil {
		return err
	}
	table, key, err := parseTableAndKey(args[0], args[1])
	if err != nil {
		return err
	}
	rid, found, err := sh.tree.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %d not found", key)
	}
	if err := sh.locks.LockTable(ctx, t, txn.IntentionExclusive, table); err != nil {
		return err
	}
	if err := sh.locks.LockRow(ctx, t, txn.Exclusive, table, rid); err != nil {
		return err
	}
	if err := sh.tree.Remove(key); err != nil {
		return err
	}
	t.RecordWrite(func() { _, _ = sh.tree.Put(key, rid) })
	fmt.Println("ok")
	return nil
}

func (sh *shell) scan(args []string) error {
	var (
		it  *btree.Iterator
		err error
	)
	if len(args) == 1 {
		key, perr := parseKey(args[0])
		if perr != nil {
			return perr
		}
		it, err = sh.tree.BeginAt(key)
	} else {
		it, err = sh.tree.Begin()
	}
	if err != nil {
		return err
	}
	defer it.Close()

	n := 0
	for it.Valid() {
		v := it.Value()
		fmt.Printf("%d -> RecordID{page: %d, slot: %d}\n", it.Key(), v.PageID, v.SlotNum)
		n++
		if err := it.Next(); err != nil {
			return err
		}
	}
	fmt.Printf("(%d rows)\n", n)
	return nil
}

func (sh *shell) lock(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: lock table <mode> <table> | lock row <mode> <table> <key>")
	}
	t, err := sh.requireTxn()
	if err != nil {
		return err
	}
	mode, err := parseLockMode(args[1])
	if err != nil {
		return err
	}
	table, err := parseTable(args[2])
	if err != nil {
		return err
	}
	switch args[0] {
	case "table":
		if err := sh.locks.LockTable(ctx, t, mode, table); err != nil {
			return err
		}
	case "row":
		if len(args) != 4 {
			return fmt.Errorf("usage: lock row <mode> <table> <key>")
		}
		key, err := parseKey(args[3])
		if err != nil {
			return err
		}
		rid, found, err := sh.tree.Get(key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %d not found", key)
		}
		if err := sh.locks.LockRow(ctx, t, mode, table, rid); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown lock target %q", args[0])
	}
	fmt.Println("ok")
	return nil
}

func parseTable(s string) (txn.TableID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad table id: %w", err)
	}
	return txn.TableID(n), nil
}

func parseKey(s string) (btree.Key, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad key: %w", err)
	}
	return btree.Key(n), nil
}

func parseTableAndKey(tableArg, keyArg string) (txn.TableID, btree.Key, error) {
	table, err := parseTable(tableArg)
	if err != nil {
		return 0, 0, err
	}
	key, err := parseKey(keyArg)
	if err != nil {
		return 0, 0, err
	}
	return table, key, nil
}

func parseLockMode(s string) (txn.LockMode, error) {
	switch strings.ToLower(s) {
	case "is":
		return txn.IntentionShared, nil
	case "ix":
		return txn.IntentionExclusive, nil
	case "s":
		return txn.Shared, nil
	case "six":
		return txn.SharedIntentionExclusive, nil
	case "x":
		return txn.Exclusive, nil
	default:
		return 0, fmt.Errorf("unknown lock mode %q", s)
	}
}
