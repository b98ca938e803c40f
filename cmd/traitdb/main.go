// Command traitdb is a small demo/smoke-test CLI for the traitdb engine.
// It registers one sample record type and exercises add/list/count against
// a database file passed on the command line, the way the reference
// implementation's cmd/example demonstrates the Pager/executor pair —
// scaled down here since this store has no SQL surface to drive a REPL
// with.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kferreira/traitdb/api"
	"github.com/kferreira/traitdb/storage"
)

// item is the sample record type registered below: a name and a price,
// mirroring the "Item" type spec.md's end-to-end scenarios use.
type item struct {
	ID    uint32
	Name  string
	Price float64
}

// itemDescriptor implements storage.QueryableDescriptor for item.
type itemDescriptor struct{}

func (itemDescriptor) Name() string     { return "Item" }
func (itemDescriptor) MaxCount() int    { return 1 << 20 }
func (itemDescriptor) RecordSize() int  { return 4 + 2 + 64 + 8 }
func (itemDescriptor) New() any         { return &item{} }
func (itemDescriptor) GetID(r any) uint32    { return r.(*item).ID }
func (itemDescriptor) SetID(r any, id uint32) { r.(*item).ID = id }

func (itemDescriptor) Write(w storage.Writer, r any) error {
	it := r.(*item)
	if err := w.WriteUint32(it.ID); err != nil {
		return err
	}
	if err := w.WriteString(it.Name); err != nil {
		return err
	}
	return w.WriteFloat64(it.Price)
}

func (itemDescriptor) Read(r storage.Reader, record any) error {
	it := record.(*item)
	id, err := r.ReadUint32()
	if err != nil {
		return err
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	price, err := r.ReadFloat64()
	if err != nil {
		return err
	}
	it.ID, it.Name, it.Price = id, name, price
	return nil
}

func (itemDescriptor) Fields() []storage.FieldDescriptor {
	return []storage.FieldDescriptor{
		{Name: "name", Kind: storage.FieldString, Get: func(r any) any { return r.(*item).Name }},
		{Name: "price", Kind: storage.FieldFloat, Get: func(r any) any { return r.(*item).Price }},
	}
}

func main() {
	dbPath := flag.String("db", "traitdb.db", "path to the database file")
	wal := flag.Bool("wal", true, "enable write-ahead logging")
	cache := flag.Bool("cache", true, "enable the LRU read cache")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := api.Open(api.Config{
		DBPath:      *dbPath,
		EnableWAL:   *wal,
		EnableCache: *cache,
		Logger:      log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RegisterType("Item", itemDescriptor{}); err != nil {
		fmt.Fprintln(os.Stderr, "register:", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("usage: traitdb -db <path> <add name price | list | count>")
		return
	}

	switch args[0] {
	case "add":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: add <name> <price>")
			os.Exit(1)
		}
		var price float64
		fmt.Sscanf(args[2], "%f", &price)
		id, err := db.Add("Item", &item{Name: args[1], Price: price})
		if err != nil {
			fmt.Fprintln(os.Stderr, "add:", err)
			os.Exit(1)
		}
		fmt.Println("added id", id)

	case "list":
		w := bufio.NewWriter(os.Stdout)
		defer w.Flush()
		_ = db.ForEach("Item", func(record any) (bool, error) {
			it := record.(*item)
			fmt.Fprintf(w, "%d\t%s\t%.2f\n", it.ID, it.Name, it.Price)
			return true, nil
		})

	case "count":
		n, err := db.Count("Item")
		if err != nil {
			fmt.Fprintln(os.Stderr, "count:", err)
			os.Exit(1)
		}
		fmt.Println(n)

	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		os.Exit(1)
	}
}
