package pgwire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
)

func TestComputeMD5Password(t *testing.T) {
	got := computeMD5Password("myuser", "mypass", []byte{0x01, 0x02, 0x03, 0x04})
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("computeMD5Password = %q, want 35-char md5-prefixed digest", got)
	}
	// deterministic
	again := computeMD5Password("myuser", "mypass", []byte{0x01, 0x02, 0x03, 0x04})
	if got != again {
		t.Errorf("computeMD5Password is not deterministic: %q vs %q", got, again)
	}
	// salt changes the digest
	other := computeMD5Password("myuser", "mypass", []byte{0x05, 0x06, 0x07, 0x08})
	if got == other {
		t.Errorf("expected different salts to produce different digests")
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{
			name: "single mechanism",
			data: append([]byte("SCRAM-SHA-256"), 0, 0),
			want: []string{"SCRAM-SHA-256"},
		},
		{
			name: "two mechanisms",
			data: append(append([]byte("SCRAM-SHA-256"), 0), append([]byte("SCRAM-SHA-256-PLUS"), 0, 0)...),
			want: []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"},
		},
		{
			name: "empty",
			data: []byte{0},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSASLMechanisms(tt.data)
			if len(got) != len(tt.want) {
				t.Fatalf("parseSASLMechanisms() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseSASLMechanisms()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	if got := saslEscapeUsername("user"); got != "user" {
		t.Errorf("expected 'user', got %q", got)
	}
	if got := saslEscapeUsername("us=er"); got != "us=3Der" {
		t.Errorf("expected 'us=3Der', got %q", got)
	}
	if got := saslEscapeUsername("us,er"); got != "us=2Cer" {
		t.Errorf("expected 'us=2Cer', got %q", got)
	}
}

func TestParseServerFirst(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	msg := fmt.Sprintf("r=clientnonceservernonce,s=%s,i=4096", salt)

	nonce, saltBytes, iterations, err := parseServerFirst(msg)
	if err != nil {
		t.Fatalf("parseServerFirst failed: %v", err)
	}
	if nonce != "clientnonceservernonce" {
		t.Errorf("nonce = %q, want 'clientnonceservernonce'", nonce)
	}
	if string(saltBytes) != "somesalt" {
		t.Errorf("salt = %q, want 'somesalt'", saltBytes)
	}
	if iterations != 4096 {
		t.Errorf("iterations = %d, want 4096", iterations)
	}
}

func TestParseServerFirstIncomplete(t *testing.T) {
	if _, _, _, err := parseServerFirst("r=onlynonce"); err == nil {
		t.Fatal("expected error for incomplete server-first-message")
	}
}

func TestXorBytes(t *testing.T) {
	a := []byte{0xff, 0x00, 0xaa}
	b := []byte{0x0f, 0xf0, 0x55}
	got := xorBytes(a, b)
	want := []byte{0xf0, 0xf0, 0xff}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("xorBytes[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestHMACSHA256(t *testing.T) {
	key := []byte("key")
	data := []byte("data")
	got := hmacSHA256(key, data)
	h := hmac.New(sha256.New, key)
	h.Write(data)
	want := h.Sum(nil)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("hmacSHA256[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestContainsMechanism(t *testing.T) {
	mechs := []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}
	if !containsMechanism(mechs, "SCRAM-SHA-256") {
		t.Error("expected SCRAM-SHA-256 to be found")
	}
	if containsMechanism(mechs, "MD5") {
		t.Error("did not expect MD5 to be found")
	}
}
