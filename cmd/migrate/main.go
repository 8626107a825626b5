// migrate applies the destination-table migrations. The sync engine
// itself never issues DDL; this tool is how the tables it upserts
// into come to exist.
package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with migration files")
	flag.Parse()

	command := "up"
	args := flag.Args()
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal(err)
	}
	if err := goose.Run(command, db, *dir, args...); err != nil {
		log.Fatal(err)
	}
}
