// corvid-secrets is a command-line tool for managing a corvid secrets file
// (spec.md §3, §6 "Secrets file", Component K): adding, removing and
// checking server and client credentials without hand-editing the
// "side type id secret" text format.
//
// Grounded on chasquid-util's subcommand dispatch and password-prompt
// idiom (cmd/chasquid-util/chasquid-util.go), adapted to corvid's own
// internal/secrets file rather than chasquid's userdb.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/corvid-mail/corvid/internal/envelope"
	"github.com/corvid-mail/corvid/internal/secrets"
	"github.com/corvid-mail/corvid/internal/xtext"
)

const usage = `
Usage:
  corvid-secrets [options] add-server <user@domain> [--password=<password>] [--hash=scrypt|plain]
    Add or replace a server-side credential (used to authenticate incoming AUTH).
  corvid-secrets [options] add-client <user@domain> [--password=<password>]
    Add or replace a client-side credential (presented when forwarding to a smarthost).
  corvid-secrets [options] remove <side> <user@domain>
    Remove a credential, side is "server" or "client".
  corvid-secrets [options] list
    List every id and side in the secrets file, without revealing secrets.
  corvid-secrets [options] check <side> <user@domain> [--password=<password>]
    Check a password against a stored credential.

Options:
  -f=<path>, --file=<path>  Secrets file path (default: ./secrets).
`

var args map[string]string

func main() {
	args = parseArgs()

	if _, ok := args["--help"]; ok {
		fmt.Print(usage)
		return
	}

	path := "secrets"
	if p, ok := args["--file"]; ok {
		path = p
	}
	if p, ok := args["-f"]; ok {
		path = p
	}

	commands := map[string]func(string){
		"add-server": addServer,
		"add-client": addClient,
		"remove":     remove,
		"list":       list,
		"check":      check,
	}

	cmd := args["$1"]
	f, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	f(path)
}

// parseArgs follows chasquid-util's convention: "--abc=def x y -p" becomes
// {"--abc": "def", "$1": "x", "$2": "y", "-p": ""}.
func parseArgs() map[string]string {
	a := map[string]string{}
	pos := 1
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-") {
			sp := strings.SplitN(arg, "=", 2)
			if len(sp) < 2 {
				a[arg] = ""
			} else {
				a[sp[0]] = sp[1]
			}
		} else {
			a["$"+strconv.Itoa(pos)] = arg
			pos++
		}
	}
	return a
}

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

// getPassword returns --password if given, otherwise prompts twice on the
// terminal. The two entries are compared via a throwaway bcrypt hash of the
// first (rather than holding both raw strings side by side for the
// comparison) so a mistyped confirmation is caught before anything is
// written to disk.
func getPassword() string {
	if p, ok := args["--password"]; ok {
		return p
	}

	fmt.Print("Password: ")
	p1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fatalf("reading password: %v", err)
	}

	confirmHash, err := secrets.HashBcrypt(string(p1))
	if err != nil {
		fatalf("hashing password: %v", err)
	}

	fmt.Print("Confirm password: ")
	p2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fatalf("reading password: %v", err)
	}

	if !secrets.VerifyBcrypt(confirmHash, string(p2)) {
		fatalf("passwords don't match")
	}
	return string(p1)
}

func normalizedID(argIndex string) string {
	id := args[argIndex]
	if id == "" {
		fatalf("missing user@domain argument")
	}
	user, domain := envelope.Split(id)
	if domain == "" {
		fatalf("domain missing, id should be of the form 'user@domain'")
	}
	return user + "@" + domain
}

// loadOrCreate reads path if it exists, or starts from an empty file so a
// brand new secrets file can be built up one "add-*" call at a time.
func loadOrCreate(path string) *secrets.Store {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0640); err != nil {
			fatalf("creating %q: %v", path, err)
		}
	}
	s, err := secrets.Load(path)
	if err != nil {
		fatalf("loading %q: %v", path, err)
	}
	return s
}

// addServer appends (or, on id collision, will shadow via textual append -
// duplicate ids favor the most specific "side" row per the find() rule,
// but distinct rows always accumulate) a server-side credential row, hashed
// per --hash (default scrypt).
func addServer(path string) {
	id := normalizedID("$2")
	password := getPassword()

	hash := "scrypt"
	if h, ok := args["--hash"]; ok {
		hash = h
	}

	var typ, secret string
	switch hash {
	case "scrypt":
		h, err := secrets.HashScrypt(password)
		if err != nil {
			fatalf("hashing password: %v", err)
		}
		typ, secret = "scrypt", h
	case "plain":
		typ, secret = "plain", xtext.Encode(password)
	default:
		fatalf("unknown --hash %q, want scrypt or plain", hash)
	}

	appendRow(path, "server "+typ+" "+xtext.Encode(id)+" "+secret)
	fmt.Println("Added server credential")
}

// addClient appends a client-side credential row. Client secrets must
// stay recoverable in plaintext, since corvid replays them verbatim in
// outgoing AUTH PLAIN/LOGIN exchanges, so they are stored xtext-encoded
// rather than hashed.
func addClient(path string) {
	id := normalizedID("$2")
	password := getPassword()
	appendRow(path, "client plain "+xtext.Encode(id)+" "+xtext.Encode(password))
	fmt.Println("Added client credential")
}

func appendRow(path, line string) {
	loadOrCreate(path) // validates the existing file parses before appending

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		fatalf("opening %q: %v", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		fatalf("writing %q: %v", path, err)
	}
}

// remove rewrites the secrets file without any row matching side and id.
func remove(path string) {
	side := args["$2"]
	if side != "server" && side != "client" {
		fatalf("side must be \"server\" or \"client\", got %q", side)
	}
	id := normalizedID("$3")

	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("reading %q: %v", path, err)
	}

	var kept []string
	removed := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			kept = append(kept, line)
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 4 && strings.HasPrefix(fields[0], side) && xtext.Decode(fields[2]) == id {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if err := scanner.Err(); err != nil {
		fatalf("reading %q: %v", path, err)
	}
	if removed == 0 {
		fatalf("no matching %s credential for %s", side, id)
	}

	out := strings.Join(kept, "\n")
	if len(kept) > 0 {
		out += "\n"
	}
	if err := os.WriteFile(path, []byte(out), 0640); err != nil {
		fatalf("writing %q: %v", path, err)
	}
	fmt.Printf("Removed %d row(s)\n", removed)
}

// list prints every row's side and id, without ever printing a secret.
func list(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("reading %q: %v", path, err)
	}

	type row struct{ side, id string }
	var rows []row
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) != 4 {
			continue
		}
		rows = append(rows, row{fields[0], xtext.Decode(fields[2])})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].side != rows[j].side {
			return rows[i].side < rows[j].side
		}
		return rows[i].id < rows[j].id
	})
	for _, r := range rows {
		fmt.Printf("%-16s %s\n", r.side, r.id)
	}
}

// check verifies a password against a stored credential, for operator
// troubleshooting without having to restart corvidd.
func check(path string) {
	side := args["$2"]
	id := normalizedID("$3")
	password := getPassword()

	s := loadOrCreate(path)

	var ok bool
	var err error
	switch side {
	case "server":
		ok, err = s.ServerAuthenticate("plain", id, password)
	case "client":
		secret, found := s.ClientSecret("plain", id)
		ok = found && secret == password
	default:
		fatalf("side must be \"server\" or \"client\", got %q", side)
	}
	if err != nil {
		fatalf("checking credential: %v", err)
	}
	if ok {
		fmt.Println("Credential is valid")
	} else {
		fatalf("Credential is invalid")
	}
}
