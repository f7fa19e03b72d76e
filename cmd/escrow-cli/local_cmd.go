package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"dealescrow/cmd/internal/passphrase"
	"dealescrow/crypto"
	"dealescrow/gateway/middleware"
	"dealescrow/storage/journal"
)

// Overridden in tests so key material never touches a terminal prompt.
var (
	authSecretSource = func() *passphrase.Source { return passphrase.NewSource("ESCROW_AUTH_SECRET", "auth secret") }
	keystorePass     = func() *passphrase.Source { return passphrase.NewSource("ESCROW_KEYSTORE_PASS", "keystore passphrase") }
)

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		subject  string
		keystore string
		secret   string
		issuer   string
		audience string
		ttl      time.Duration
	)
	fs.StringVar(&subject, "subject", "", "party address the token authenticates")
	fs.StringVar(&keystore, "keystore", "", "derive the subject from this keystore file")
	fs.StringVar(&secret, "secret", "", "HMAC secret (defaults to ESCROW_AUTH_SECRET or a prompt)")
	fs.StringVar(&issuer, "issuer", "escrowd", "token issuer")
	fs.StringVar(&audience, "audience", "", "token audience")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 disables expiry")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	subject = strings.TrimSpace(subject)
	keystore = strings.TrimSpace(keystore)
	if (subject == "") == (keystore == "") {
		return printError(stderr, "exactly one of --subject or --keystore is required")
	}

	var addr crypto.Address
	if subject != "" {
		raw, err := crypto.ParseAddress(subject)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--subject: %v", err))
		}
		addr = crypto.AddressFromArray(raw)
	} else {
		pass, err := keystorePass().Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.LoadKeystore(keystore, pass)
		if err != nil {
			return printError(stderr, fmt.Sprintf("load keystore: %v", err))
		}
		addr = key.PubKey().Address()
	}

	src := authSecretSource()
	if secret != "" {
		src = passphrase.Fixed(secret)
	}
	key, err := src.Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	token, err := middleware.IssueToken(key, issuer, audience, addr, ttl, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out string
	fs.StringVar(&out, "out", "", "keystore file to create")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printError(stderr, "--out is required")
	}
	pass, err := keystorePass().Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	addr, err := crypto.SaveKeystore(out, key, pass)
	if err != nil {
		return printError(stderr, fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Fprintf(stdout, "Address: %s\n", addr.String())
	fmt.Fprintf(stdout, "Hex:     %s\n", addr.Hex())
	fmt.Fprintf(stdout, "Keystore written to %s\n", out)
	return 0
}

func runJournal(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		return printError(stderr, "journal requires a subcommand: verify or export")
	}
	sub := args[0]
	fs := newFlagSet("journal "+sub, stderr)
	var (
		driver string
		dsn    string
		out    string
		after  uint64
	)
	fs.StringVar(&driver, "driver", "sqlite", "journal database driver (sqlite or postgres)")
	fs.StringVar(&dsn, "dsn", "", "journal database DSN")
	if sub == "export" {
		fs.StringVar(&out, "out", "", "parquet file to write")
		fs.Uint64Var(&after, "after", 0, "export entries with a sequence greater than this")
	}
	switch sub {
	case "verify", "export":
	default:
		return printError(stderr, fmt.Sprintf("unknown journal subcommand %q", sub))
	}
	if !parseFlags(fs, args[1:], stderr) {
		return 1
	}
	if strings.TrimSpace(dsn) == "" {
		return printError(stderr, "--dsn is required")
	}
	if sub == "export" && strings.TrimSpace(out) == "" {
		return printError(stderr, "--out is required")
	}

	db, err := journal.Open(driver, dsn)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	j, err := journal.New(db, nil)
	if err != nil {
		return printError(stderr, err.Error())
	}

	if sub == "verify" {
		checked, err := j.Verify()
		if err != nil {
			fmt.Fprintf(stderr, "Journal verification failed after %d entries: %v\n", checked, err)
			return 1
		}
		seq, hash := j.Head()
		fmt.Fprintf(stdout, "Verified %d entries. Head: seq=%d hash=%s\n", checked, seq, hash)
		return 0
	}
	rows, err := j.ExportParquet(out, after)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Exported %d entries to %s\n", rows, out)
	return 0
}
