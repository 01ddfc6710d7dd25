package pgwire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/gelsrv/edgecore/internal/wire"
)

// computeMD5Password builds the "md5"-prefixed hex digest PostgreSQL's
// AuthenticationMD5Password challenge expects.
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

func sendPassword(enc *wire.Encoder, password string) error {
	payload := append([]byte(password), 0)
	if err := enc.WriteFrame('p', payload); err != nil {
		return err
	}
	return enc.Flush()
}

// scramSHA256Auth performs the SASL SCRAM-SHA-256 exchange with a
// PostgreSQL-compatible backend, given the AuthenticationSASL
// message's payload (the mechanism list, after the 4-byte auth type).
func scramSHA256Auth(enc *wire.Encoder, dec *wire.Decoder, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload)
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	initial := wire.NewBuilder().CString("SCRAM-SHA-256").LenBytes([]byte(clientFirstMsg)).Build()
	if err := enc.WriteFrame('p', initial); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return err
	}

	serverFirstMsg, err := readAuthMessage(dec, 11)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := enc.WriteFrame('p', []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return err
	}

	serverFinalMsg, err := readAuthMessage(dec, 12)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}
	return nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// readAuthMessage reads one Authentication message and verifies its
// auth subtype, returning the payload after the 4-byte auth type.
func readAuthMessage(dec *wire.Decoder, expectedAuthType uint32) ([]byte, error) {
	msg, err := dec.WaitForMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type == 'E' {
		return nil, parseErrorResponse(msg)
	}
	if msg.Type != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got %q", msg.Type)
	}
	authType, err := msg.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading auth type: %w", err)
	}
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return msg.ReadRemaining(), nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
