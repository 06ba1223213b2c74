package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sqldesk.org/internal/auth"
	"sqldesk.org/internal/ids"
	"sqldesk.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("SQLDESK_PG_DSN"), "PostgreSQL DSN of the audit database")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or SQLDESK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|create-user <username> <password> [role]]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	runner := migrate.NewRunner(db, *migrationsPath, *seedsPath)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = runner.Up(ctx)
	case "down":
		err = runner.Down(ctx)
	case "seed":
		err = runner.Seed(ctx)
	case "status":
		var history []migrate.Applied
		history, err = runner.History(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Printf("%s\t%s\t%s\n", item.AppliedAt.Format(time.RFC3339), item.Kind, item.Name)
			}
		}
	case "create-user":
		err = createUser(ctx, db, flag.Args()[1:])
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func createUser(ctx context.Context, db *sql.DB, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: create-user <username> <password> [role]")
	}
	username, password := args[0], args[1]
	role := auth.RoleStandard
	if len(args) > 2 {
		role = auth.ParseRole(args[2])
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user := &auth.User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	if err := auth.NewPGUserStore(db).Create(ctx, user); err != nil {
		return err
	}
	fmt.Printf("created user %s (%s) id=%s\n", user.Username, user.Role, user.ID)
	return nil
}
