package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/robertkowalski/hyperbee/pkg/common/log"
	"github.com/robertkowalski/hyperbee/pkg/config"
	"github.com/robertkowalski/hyperbee/pkg/feed"
	"github.com/robertkowalski/hyperbee/pkg/iterator"
	"github.com/robertkowalski/hyperbee/pkg/tree"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DEL"),
	readline.PcItem("SCAN",
		readline.PcItem("REVERSE"),
	),
	readline.PcItem("HISTORY"),
	readline.PcItem("CHECKOUT"),
	readline.PcItem("VERSION"),
)

const helpText = `
hyperbee - an append-only B-tree database.

Usage:
  hyperbee [options] [database_path]  - Start with an optional database path

Options:
  -debug                  - Enable debug logging

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open a database at PATH
  .close                  - Close the current database
  .exit                   - Exit the program
  .stats                  - Show database statistics

  PUT key value           - Store a key-value pair (appends one block)
  GET key                 - Retrieve a value by key
  DEL key                 - Delete a key-value pair (appends a tombstone)

  SCAN [start [end]]      - Scan keys in [start, end) in ascending order
  SCAN REVERSE [start [end]] - Same range, descending order
  HISTORY [since]         - Walk the raw mutation log from seq since
  CHECKOUT version        - Pin the session at a historical version
  VERSION                 - Show the current version
`

type session struct {
	db     *tree.Tree
	live   *tree.Tree
	path   string
	logger log.Logger
}

func (s *session) open(path string) error {
	if s.db != nil {
		return fmt.Errorf("database already open at %s, .close it first", s.path)
	}

	cfg, err := config.LoadConfigFromManifest(path)
	if err != nil {
		if err != config.ErrManifestNotFound {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.NewDefaultConfig(path)
		if err := cfg.SaveManifest(path); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
	}

	f := feed.NewFileFeed(cfg, feed.WithLogger(s.logger))
	db, err := tree.New(f, &tree.Options{
		Logger:         s.logger,
		BlockCacheSize: cfg.BlockCacheSize,
	})
	if err != nil {
		f.Close()
		return err
	}
	if err := db.Ready(); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.live = db
	s.path = path
	fmt.Printf("Opened database at %s (version %d)\n", path, db.Version())
	return nil
}

func (s *session) close() error {
	if s.db == nil {
		return fmt.Errorf("no database open")
	}
	err := s.live.Close()
	s.db = nil
	s.live = nil
	s.path = ""
	return err
}

func (s *session) dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case ".HELP":
		fmt.Print(helpText)
		return nil
	case ".OPEN":
		if len(args) != 1 {
			return fmt.Errorf("usage: .open PATH")
		}
		return s.open(args[0])
	case ".CLOSE":
		if err := s.close(); err != nil {
			return err
		}
		fmt.Println("Database closed")
		return nil
	case ".STATS":
		if s.db == nil {
			return fmt.Errorf("no database open")
		}
		for k, v := range s.db.Stats() {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	}

	if s.db == nil {
		return fmt.Errorf("no database open, use .open PATH")
	}

	switch cmd {
	case "PUT":
		if len(args) != 2 {
			return fmt.Errorf("usage: PUT key value")
		}
		if err := s.db.Put(ctx, []byte(args[0]), []byte(args[1])); err != nil {
			return err
		}
		fmt.Println("OK")

	case "GET":
		if len(args) != 1 {
			return fmt.Errorf("usage: GET key")
		}
		entry, err := s.db.Get(ctx, []byte(args[0]))
		if err == tree.ErrKeyNotFound {
			fmt.Println("(nil)")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s (seq %d)\n", entry.Value, entry.Seq)

	case "DEL":
		if len(args) != 1 {
			return fmt.Errorf("usage: DEL key")
		}
		if err := s.db.Delete(ctx, []byte(args[0])); err != nil {
			return err
		}
		fmt.Println("OK")

	case "SCAN":
		var r iterator.Range
		if len(args) > 0 && strings.ToUpper(args[0]) == "REVERSE" {
			r.Reverse = true
			args = args[1:]
		}
		if len(args) > 0 {
			r.Gte = []byte(args[0])
		}
		if len(args) > 1 {
			r.Lt = []byte(args[1])
		}
		it := s.db.CreateRangeIterator(ctx, r)
		defer it.Close()
		count := 0
		for it.Next() {
			fmt.Printf("%s: %s\n", it.Key(), it.Value())
			count++
		}
		if err := it.Error(); err != nil {
			return err
		}
		fmt.Printf("%d entries\n", count)

	case "HISTORY":
		var h iterator.History
		if len(args) > 0 {
			since, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad seq %q: %w", args[0], err)
			}
			h.Since = since
		}
		it := s.db.CreateHistoryIterator(ctx, h)
		defer it.Close()
		for it.Next() {
			op := "put"
			if it.IsTombstone() {
				op = "del"
			}
			fmt.Printf("%d %s %s", it.Seq(), op, it.Key())
			if !it.IsTombstone() {
				fmt.Printf(" = %s", it.Value())
			}
			fmt.Println()
		}
		if err := it.Error(); err != nil {
			return err
		}

	case "CHECKOUT":
		if len(args) != 1 {
			return fmt.Errorf("usage: CHECKOUT version")
		}
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q: %w", args[0], err)
		}
		if v > s.live.Version() {
			return fmt.Errorf("version %d is in the future (current %d)", v, s.live.Version())
		}
		if v == s.live.Version() {
			s.db = s.live
		} else {
			s.db = s.live.Checkout(v)
		}
		fmt.Printf("At version %d\n", s.db.Version())

	case "VERSION":
		fmt.Println(s.db.Version())

	default:
		return fmt.Errorf("unknown command %q, try .help", fields[0])
	}
	return nil
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := log.LevelInfo
	if *debug {
		level = log.LevelDebug
	}
	s := &session{logger: log.NewStandardLogger(log.WithLevel(level))}

	if flag.NArg() > 0 {
		if err := s.open(flag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "hyperbee> ",
		AutoComplete: completer,
		EOFPrompt:    ".exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, ".exit") {
			break
		}
		if err := s.dispatch(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	if s.db != nil {
		s.close()
	}
}
