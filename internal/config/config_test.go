package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corvidd.conf")
	if err := os.WriteFile(path, []byte(contents), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultsApplyWithNoInput(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := cfg.Units[""]
	if o.Port != 25 {
		t.Errorf("Port = %d, want 25", o.Port)
	}
	if o.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v, want 60s", o.IdleTimeout)
	}
}

func TestFileThenCLIPrecedence(t *testing.T) {
	path := writeFile(t, "port 2525\nspool-dir /var/spool/a\n")
	cfg, err := Load(path, []string{"--port", "2600"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := cfg.Units[""]
	if o.Port != 2600 {
		t.Errorf("Port = %d, want 2600 (CLI overrides file)", o.Port)
	}
	if o.SpoolDir != "/var/spool/a" {
		t.Errorf("SpoolDir = %q, want /var/spool/a", o.SpoolDir)
	}
}

func TestBareFlagsAndEqualsForm(t *testing.T) {
	cfg, err := Load("", []string{"--server-tls", "--forward-to=mx.example.com:25"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := cfg.Units[""]
	if !o.ServerTLS {
		t.Errorf("ServerTLS = false, want true")
	}
	if o.ForwardTo != "mx.example.com:25" {
		t.Errorf("ForwardTo = %q, want mx.example.com:25", o.ForwardTo)
	}
}

func TestMultiUnitPrefixSyntax(t *testing.T) {
	path := writeFile(t, strings.Join([]string{
		"units mail,test",
		"idle-timeout 30",
		"mail-port 25",
		"mail-spool-dir /var/spool/mail",
		"test-port 2525",
		"test-spool-dir /var/spool/test",
	}, "\n"))

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.UnitOrder) != 2 || cfg.UnitOrder[0] != "mail" || cfg.UnitOrder[1] != "test" {
		t.Fatalf("UnitOrder = %v, want [mail test]", cfg.UnitOrder)
	}

	mail := cfg.Units["mail"]
	if mail.Port != 25 || mail.SpoolDir != "/var/spool/mail" {
		t.Errorf("mail unit = %+v", mail)
	}
	if mail.IdleTimeout != 30*time.Second {
		t.Errorf("mail.IdleTimeout = %v, want 30s (shared default)", mail.IdleTimeout)
	}

	test := cfg.Units["test"]
	if test.Port != 2525 || test.SpoolDir != "/var/spool/test" {
		t.Errorf("test unit = %+v", test)
	}
	if test.IdleTimeout != 30*time.Second {
		t.Errorf("test.IdleTimeout = %v, want 30s (shared default)", test.IdleTimeout)
	}
}

func TestUnknownOptionIsError(t *testing.T) {
	if _, err := Load("", []string{"--does-not-exist", "x"}); err == nil {
		t.Fatalf("Load: expected error for unknown option, got nil")
	}
}

func TestMalformedPositionalArgumentIsError(t *testing.T) {
	if _, err := Load("", []string{"not-an-option"}); err == nil {
		t.Fatalf("Load: expected error for bare positional argument, got nil")
	}
}
