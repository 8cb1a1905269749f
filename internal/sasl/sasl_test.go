package sasl

import (
	"testing"

	gosasl "github.com/emersion/go-sasl"
)

func TestPlainServerViaClient(t *testing.T) {
	var gotUser, gotPass string
	srv, err := NewServer(Plain, "", func(identity, username, password string) error {
		gotUser, gotPass = username, password
		if password != "hunter2" {
			return gosasl.ErrUnexpectedClientResponse
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	client := gosasl.NewPlainClient("", "alice", "hunter2")
	_, resp, err := client.Start()
	if err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	_, done, err := srv.Next(resp)
	if err != nil {
		t.Fatalf("srv.Next: %v", err)
	}
	if !done {
		t.Fatal("expected PLAIN auth to finish in one round trip")
	}
	if gotUser != "alice" || gotPass != "hunter2" {
		t.Fatalf("got user=%q pass=%q", gotUser, gotPass)
	}
}

func TestCRAMMD5RoundTrip(t *testing.T) {
	const secret = "s3kr1t"
	gen := NewChallengeGenerator("corvid.example")
	challenge := gen.Next()

	srv := NewCRAMMD5Server(challenge, func(username, ch, digest string) error {
		if username != "bob" {
			t.Fatalf("got username %q, want bob", username)
		}
		if ch != challenge {
			t.Fatalf("got challenge %q, want %q", ch, challenge)
		}
		if !VerifyCRAMDigest(CramMD5, secret, ch, digest) {
			t.Fatal("digest did not verify")
		}
		return nil
	})

	offered, done, err := srv.Next(nil)
	if err != nil || done {
		t.Fatalf("initial Next: offered=%q done=%v err=%v", offered, done, err)
	}
	if string(offered) != challenge {
		t.Fatalf("offered %q, want %q", offered, challenge)
	}

	digest := ComputeCRAMDigest(CramMD5, secret, challenge)
	resp := []byte("bob " + digest)
	_, done, err = srv.Next(resp)
	if err != nil {
		t.Fatalf("Next(response): %v", err)
	}
	if !done {
		t.Fatal("expected CRAM-MD5 auth to finish after the response")
	}
}

func TestCRAMMD5WrongDigestRejected(t *testing.T) {
	gen := NewChallengeGenerator("corvid.example")
	challenge := gen.Next()

	srv := NewCRAMMD5Server(challenge, func(username, ch, digest string) error {
		if !VerifyCRAMDigest(CramMD5, "correct-secret", ch, digest) {
			return gosasl.ErrUnexpectedClientResponse
		}
		return nil
	})

	srv.Next(nil)
	wrongDigest := ComputeCRAMDigest(CramMD5, "wrong-secret", challenge)
	_, _, err := srv.Next([]byte("bob " + wrongDigest))
	if err == nil {
		t.Fatal("expected an error for a digest computed with the wrong secret")
	}
}

func TestChallengeGeneratorProducesUniqueChallenges(t *testing.T) {
	gen := NewChallengeGenerator("corvid.example")
	a := gen.Next()
	b := gen.Next()
	if a == b {
		t.Fatalf("two consecutive challenges were equal: %q", a)
	}
}

func TestAllowedMechsDropsPlaintextWithoutTLS(t *testing.T) {
	all := []string{Plain, Login, CramMD5, CramSHA256}
	got := AllowedMechs(all, false)
	for _, m := range got {
		if m == Plain || m == Login {
			t.Fatalf("AllowedMechs(tlsActive=false) included plaintext mech %q", m)
		}
	}

	got = AllowedMechs(all, true)
	if len(got) != len(all) {
		t.Fatalf("AllowedMechs(tlsActive=true) = %v, want all mechs", got)
	}
}
