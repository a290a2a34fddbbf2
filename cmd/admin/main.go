// Command admin is the operator's side door for the things the HTTP API
// deliberately has no endpoints for: blocking accounts, publishing terms and
// managing two-factor group policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/database"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := database.Connect(databaseURL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer db.Close()

	users := auth.NewUserRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "block-user":
		fs := flag.NewFlagSet("block-user", flag.ExitOnError)
		login := fs.String("login", "", "username or email")
		reason := fs.String("reason", "blocked by administrator", "reason recorded on the account")
		fs.Parse(os.Args[2:])
		user := mustFindUser(ctx, users, *login)
		if err := users.Block(ctx, user.ID, *reason); err != nil {
			log.Fatalf("block %s: %v", user.Username, err)
		}
		// Live sessions are rejected at the next request; no cleanup needed here.
		log.Printf("blocked %s (%s)", user.Username, user.ID)

	case "unblock-user":
		fs := flag.NewFlagSet("unblock-user", flag.ExitOnError)
		login := fs.String("login", "", "username or email")
		fs.Parse(os.Args[2:])
		user := mustFindUser(ctx, users, *login)
		if err := users.Unblock(ctx, user.ID); err != nil {
			log.Fatalf("unblock %s: %v", user.Username, err)
		}
		log.Printf("unblocked %s (%s)", user.Username, user.ID)

	case "create-group":
		fs := flag.NewFlagSet("create-group", flag.ExitOnError)
		name := fs.String("name", "", "group name")
		requireTwoFactor := fs.Bool("require-2fa", false, "members must enable two-factor authentication")
		graceHours := fs.Int("grace-hours", 48, "hours members get to enroll before sign-in is gated")
		fs.Parse(os.Args[2:])
		if strings.TrimSpace(*name) == "" {
			log.Fatal("-name is required")
		}
		group, err := users.CreateGroup(ctx, *name, *requireTwoFactor, *graceHours)
		if err != nil {
			log.Fatalf("create group: %v", err)
		}
		log.Printf("created group %s (%s)", group.Name, group.ID)

	case "add-member":
		fs := flag.NewFlagSet("add-member", flag.ExitOnError)
		groupID := fs.String("group", "", "group id")
		login := fs.String("login", "", "username or email")
		fs.Parse(os.Args[2:])
		if *groupID == "" {
			log.Fatal("-group is required")
		}
		user := mustFindUser(ctx, users, *login)
		if err := users.AddGroupMember(ctx, *groupID, user.ID); err != nil {
			log.Fatalf("add member: %v", err)
		}
		log.Printf("added %s to group %s", user.Username, *groupID)

	case "publish-term":
		fs := flag.NewFlagSet("publish-term", flag.ExitOnError)
		file := fs.String("file", "", "file holding the terms text (- for stdin)")
		fs.Parse(os.Args[2:])
		content, err := readContent(*file)
		if err != nil {
			log.Fatalf("read terms: %v", err)
		}
		term, err := users.CreateTerm(ctx, content)
		if err != nil {
			log.Fatalf("publish term: %v", err)
		}
		log.Printf("published term %s; users must re-accept when ENFORCE_TERMS is on", term.ID)

	default:
		usage()
		os.Exit(2)
	}
}

func mustFindUser(ctx context.Context, users *auth.UserRepository, login string) *auth.User {
	if strings.TrimSpace(login) == "" {
		log.Fatal("-login is required")
	}
	user, err := users.FindByLogin(ctx, login)
	if err != nil {
		log.Fatalf("look up %s: %v", login, err)
	}
	if user == nil {
		log.Fatalf("no user matches %s", login)
	}
	return user
}

func readContent(file string) (string, error) {
	if file == "" {
		return "", fmt.Errorf("-file is required")
	}
	var raw []byte
	var err error
	if file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return "", fmt.Errorf("terms text is empty")
	}
	return content, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands:
  block-user    -login <username|email> [-reason <text>]
  unblock-user  -login <username|email>
  create-group  -name <name> [-require-2fa] [-grace-hours <n>]
  add-member    -group <group-id> -login <username|email>
  publish-term  -file <path|->`)
}
