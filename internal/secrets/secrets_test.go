package secrets

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSecretsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets")
	if err := os.WriteFile(path, []byte(contents), 0640); err != nil {
		t.Fatalf("writing secrets file: %v", err)
	}
	return path
}

func TestLoadAndFindGenericAndSpecific(t *testing.T) {
	path := writeSecretsFile(t, `
# comment line, ignored
server plain user@example.com hunter2
server.cram-md5 plain other@example.com s3cr3t
client plain corvid@smarthost.example relayhunter2
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if ok, err := s.ServerAuthenticate("plain", "user@example.com", "hunter2"); err != nil || !ok {
		t.Fatalf("ServerAuthenticate(generic) = %v, %v", ok, err)
	}
	if secret, ok := s.ServerCRAMSecret("cram-md5", "other@example.com"); !ok || secret != "s3cr3t" {
		t.Fatalf("ServerCRAMSecret(specific) = %q, %v", secret, ok)
	}
	if secret, ok := s.ClientSecret("plain", "corvid@smarthost.example"); !ok || secret != "relayhunter2" {
		t.Fatalf("ClientSecret = %q, %v", secret, ok)
	}
}

func TestServerAuthenticateWrongPasswordFails(t *testing.T) {
	path := writeSecretsFile(t, "server plain user@example.com hunter2\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok, err := s.ServerAuthenticate("plain", "user@example.com", "wrong"); err != nil || ok {
		t.Fatalf("ServerAuthenticate(wrong password) = %v, %v", ok, err)
	}
}

func TestServerAuthenticateUnknownIDTakesPad(t *testing.T) {
	path := writeSecretsFile(t, "server plain user@example.com hunter2\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	saved := AuthDuration
	AuthDuration = 20 * time.Millisecond
	defer func() { AuthDuration = saved }()

	start := time.Now()
	ok, err := s.ServerAuthenticate("plain", "nobody@example.com", "whatever")
	elapsed := time.Since(start)
	if err != nil || ok {
		t.Fatalf("ServerAuthenticate(unknown) = %v, %v", ok, err)
	}
	if elapsed < AuthDuration {
		t.Fatalf("ServerAuthenticate returned before AuthDuration elapsed: %v", elapsed)
	}
}

func TestPlainBEncodedRow(t *testing.T) {
	// "alice@example.com" and "s3cr3t" base64-encoded.
	path := writeSecretsFile(t, "server plain:b YWxpY2VAZXhhbXBsZS5jb20= czNjcjN0\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok, err := s.ServerAuthenticate("plain", "alice@example.com", "s3cr3t"); err != nil || !ok {
		t.Fatalf("ServerAuthenticate(plain:b) = %v, %v", ok, err)
	}
}

func TestXtextEncodedRow(t *testing.T) {
	// "+20" decodes to a literal space in xtext.
	path := writeSecretsFile(t, "server plain bob+40example.com has+20space\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok, err := s.ServerAuthenticate("plain", "bob@example.com", "has space"); err != nil || !ok {
		t.Fatalf("ServerAuthenticate(xtext) = %v, %v", ok, err)
	}
}

func TestReloadReplacesRows(t *testing.T) {
	path := writeSecretsFile(t, "server plain user@example.com hunter2\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("server plain user@example.com newpass\n"), 0640); err != nil {
		t.Fatalf("rewriting secrets file: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if ok, _ := s.ServerAuthenticate("plain", "user@example.com", "hunter2"); ok {
		t.Fatalf("ServerAuthenticate still accepts the old password after Reload")
	}
	if ok, err := s.ServerAuthenticate("plain", "user@example.com", "newpass"); err != nil || !ok {
		t.Fatalf("ServerAuthenticate(new password) = %v, %v", ok, err)
	}
}

func TestMalformedLineIsError(t *testing.T) {
	path := writeSecretsFile(t, "server plain onlythreefields\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load: expected error for malformed line, got nil")
	}
}

func TestPAMPathDefersAuthentication(t *testing.T) {
	s, err := Load("pam:")
	if err != nil {
		t.Fatalf("Load(pam:): %v", err)
	}
	if !s.IsPAM() {
		t.Fatalf("IsPAM() = false, want true")
	}

	saved := AuthDuration
	AuthDuration = 5 * time.Millisecond
	defer func() { AuthDuration = saved }()

	if _, err := s.ServerAuthenticate("plain", "user@example.com", "whatever"); err != ErrPAMUnavailable {
		t.Fatalf("ServerAuthenticate(pam) error = %v, want ErrPAMUnavailable", err)
	}
}
