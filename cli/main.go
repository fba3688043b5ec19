package main

import (
	"bfile"
	"context"
	"flag"
	"fmt"
	log "github.com/sirupsen/logrus"
	"os"
	"time"
)

const usage = `usage: cli -db <file> [-journal <file>] [flags] <command> [args]

commands:
  put <key> <value>     store value, replacing an existing one
  append <key> <value>  append value to the stored one
  get <key>             print the value of key
  remove <key>          remove key and its value
  keys [prefix]         list keys, optionally starting with prefix
  stats                 print page cache statistics
  freelist              print the free space list
  journal               dump the journal records
  recover               replay the journal into the file
  export <file>         write all entries to a dump file
  import <file>         store the entries of a dump file
`

func main() {
	var (
		dbPath      = flag.String("db", "", "data file")
		journalPath = flag.String("journal", "", "journal file, enables write-ahead logging")
		pageSize    = flag.Int("page-size", bfile.DefaultPageSize, "page size of a new file")
		cacheSize   = flag.Int("cache-size", bfile.DefaultCacheSize, "number of cached pages")
		timeout     = flag.Duration("timeout", time.Second, "file lock timeout")
		readOnly    = flag.Bool("readonly", false, "open read-only")
		compression = flag.String("compression", "snappy", "compression of journal and dumps: snappy, lz4 or none")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *dbPath == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	comp, err := parseCompression(*compression)
	if err != nil {
		log.Fatal(err)
	}

	var journal *bfile.Journal
	if *journalPath != "" {
		opts := *bfile.DefaultJournalOptions
		opts.Compression = comp
		if journal, err = bfile.OpenJournal(*journalPath, &opts); err != nil {
			log.Fatal(err)
		}
	}
	if flag.Arg(0) == "journal" {
		if journal == nil {
			log.Fatal("journal command requires -journal")
		}
		dumpJournal(journal)
		_ = journal.Close()
		return
	}

	bf, err := bfile.Open(*dbPath, 0644, &bfile.Options{
		PageSize:    *pageSize,
		CacheSize:   *cacheSize,
		Journal:     journal,
		ReadOnly:    *readOnly,
		Timeout:     *timeout,
		LockTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatal(err)
	}
	code := 0
	if err := run(bf, journal, comp, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error(err)
		code = 1
	}
	if err := bf.Close(); err != nil {
		log.Error(err)
		code = 1
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Error(err)
			code = 1
		}
	}
	os.Exit(code)
}

func parseCompression(name string) (bfile.CompressAlgorithm, error) {
	for _, c := range []bfile.CompressAlgorithm{bfile.CompSnappy, bfile.CompNone, bfile.CompLz4} {
		if c.String() == name {
			return c, nil
		}
	}
	return bfile.CompNone, fmt.Errorf("unknown compression %q", name)
}

func need(args []string, n int, cmd string) error {
	if len(args) < n {
		return fmt.Errorf("%s needs %d argument(s)", cmd, n)
	}
	return nil
}

func run(bf *bfile.BFile, journal *bfile.Journal, comp bfile.CompressAlgorithm, cmd string, args []string) error {
	ctx := context.Background()
	if cmd != "recover" {
		// recovery takes the lock itself
		release := bf.LockManager().AcquireWrite(bf.LockName())
		defer release()
	}

	switch cmd {
	case "put", "append", "remove", "import":
		return write(bf, journal, func(txn *bfile.Txn) error {
			switch cmd {
			case "put":
				if err := need(args, 2, cmd); err != nil {
					return err
				}
				p, err := bf.Put(txn, []byte(args[0]), []byte(args[1]), true)
				if err == nil {
					fmt.Println(p)
				}
				return err
			case "append":
				if err := need(args, 2, cmd); err != nil {
					return err
				}
				p, err := bf.Append(txn, []byte(args[0]), []byte(args[1]))
				if err == nil {
					fmt.Println(p)
				}
				return err
			case "remove":
				if err := need(args, 1, cmd); err != nil {
					return err
				}
				return bf.Remove(txn, []byte(args[0]))
			default:
				if err := need(args, 1, cmd); err != nil {
					return err
				}
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				n, err := bf.Import(ctx, txn, f, true)
				fmt.Printf("imported %d entries\n", n)
				return err
			}
		})
	case "get":
		if err := need(args, 1, cmd); err != nil {
			return err
		}
		v, err := bf.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(v))
	case "keys":
		q := bfile.NewQuery(bfile.OpAny)
		if len(args) > 0 {
			q = bfile.NewQuery(bfile.OpTruncRight, []byte(args[0]))
		}
		kvs, err := bf.FindKeys(ctx, q)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			fmt.Printf("%s\t%s\n", kv.Key, kv.Address)
		}
	case "stats":
		s := bf.Stats()
		fmt.Printf("buffers: %d\nused: %d\nhits: %d\nfails: %d\nhit ratio: %.2f\n",
			s.Buffers, s.Used, s.Hits, s.Fails, s.HitRatio())
	case "freelist":
		fmt.Println(bf.FreeList())
	case "recover":
		if journal == nil {
			return fmt.Errorf("recover requires -journal")
		}
		stats, err := bfile.Recover(journal, bf)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", *stats)
	case "export":
		if err := need(args, 1, cmd); err != nil {
			return err
		}
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := bf.Export(ctx, f, bfile.NewQuery(bfile.OpAny), comp)
		fmt.Printf("exported %d entries\n", n)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// write runs fn in a transaction when a journal is configured.
func write(bf *bfile.BFile, journal *bfile.Journal, fn func(txn *bfile.Txn) error) error {
	if journal == nil {
		return fn(nil)
	}
	mgr := bfile.NewTxnManager(journal)
	mgr.Register(bf)
	txn, err := mgr.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		if aerr := mgr.Abort(txn); aerr != nil {
			log.WithError(aerr).Error("abort failed")
		}
		return err
	}
	return mgr.Commit(txn)
}

func dumpJournal(journal *bfile.Journal) {
	entries, err := journal.Entries()
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		l := e.Loggable
		line := fmt.Sprintf("%d\ttxn %d\t%s\t%d bytes", l.LSN(), l.TxnID(), l.Type(), e.Size)
		if fl, ok := l.(bfile.FileLoggable); ok {
			line += fmt.Sprintf("\tfile %d", fl.FileID())
		}
		fmt.Println(line)
	}
}
