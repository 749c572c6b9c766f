// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// scramServer is the server side of a single SCRAM exchange.
type scramServer struct {
	hash     func() hash.Hash
	username string
	password string

	salt            []byte
	iterations      int
	nonce           string
	clientFirstBare string
	serverFirst     string
}

func newSCRAMServer(mech Mechanism, username, password string) *scramServer {
	h := sha1.New
	if mech == MechanismSCRAMSHA256 {
		h = sha256.New
	}
	return &scramServer{
		hash:       h,
		username:   username,
		password:   password,
		salt:       []byte("roomctl-salt"),
		iterations: 4096,
	}
}

func scramAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if len(part) > 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}

func (s *scramServer) mac(key []byte, data string) []byte {
	m := hmac.New(s.hash, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}

// first handles the client first message and returns the server first one.
func (s *scramServer) first(clientFirst []byte) ([]byte, error) {
	msg := string(clientFirst)
	if !strings.HasPrefix(msg, "n,") {
		return nil, fmt.Errorf("unexpected gs2 header in %q", msg)
	}
	// Skip the gs2 header.
	idx := strings.Index(msg[2:], ",")
	if idx < 0 {
		return nil, fmt.Errorf("malformed client first message %q", msg)
	}
	s.clientFirstBare = msg[idx+3:]
	attrs := scramAttrs(s.clientFirstBare)
	if attrs["n"] != s.username {
		return nil, fmt.Errorf("unknown user %q", attrs["n"])
	}
	s.nonce = attrs["r"] + "srvnonce"
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.nonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return []byte(s.serverFirst), nil
}

// final checks the client proof and returns the server final message.
func (s *scramServer) final(clientFinal []byte) ([]byte, error) {
	msg := string(clientFinal)
	idx := strings.LastIndex(msg, ",p=")
	if idx < 0 {
		return nil, fmt.Errorf("missing proof")
	}
	withoutProof := msg[:idx]
	if scramAttrs(withoutProof)["r"] != s.nonce {
		return nil, fmt.Errorf("nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(msg[idx+3:])
	if err != nil {
		return nil, err
	}

	salted := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, s.hash().Size(), s.hash)
	clientKey := s.mac(salted, "Client Key")
	h := s.hash()
	h.Write(clientKey)
	storedKey := h.Sum(nil)

	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + withoutProof
	expected := make([]byte, len(clientKey))
	subtle.XORBytes(expected, clientKey, s.mac(storedKey, authMessage))
	if !hmac.Equal(expected, proof) {
		return nil, fmt.Errorf("invalid proof")
	}

	serverKey := s.mac(salted, "Server Key")
	return []byte("v=" + base64.StdEncoding.EncodeToString(s.mac(serverKey, authMessage))), nil
}

func TestSASLClient(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		_, err := newSASLClient(Config{Mechanism: "DIGEST-MD5"})
		require.EqualError(t, err, `unsupported mechanism "DIGEST-MD5"`)
	})

	t.Run("anonymous", func(t *testing.T) {
		client, err := newSASLClient(Config{Mechanism: MechanismAnonymous})
		require.NoError(t, err)
		more, resp, err := client.Step(nil)
		require.NoError(t, err)
		require.False(t, more)
		require.Empty(t, resp)
	})

	t.Run("plain", func(t *testing.T) {
		client, err := newSASLClient(Config{Mechanism: MechanismPlain, Username: "tv", Password: "secret"})
		require.NoError(t, err)
		more, resp, err := client.Step(nil)
		require.NoError(t, err)
		require.False(t, more)
		require.Equal(t, "\x00tv\x00secret", string(resp))
	})

	for _, mech := range []Mechanism{MechanismSCRAMSHA1, MechanismSCRAMSHA256} {
		t.Run(string(mech), func(t *testing.T) {
			srv := newSCRAMServer(mech, "tv", "pencil")
			client, err := newSASLClient(Config{Mechanism: mech, Username: "tv", Password: "pencil"})
			require.NoError(t, err)

			more, clientFirst, err := client.Step(nil)
			require.NoError(t, err)
			require.True(t, more)
			require.True(t, strings.HasPrefix(string(clientFirst), "n,,n=tv,r="))

			serverFirst, err := srv.first(clientFirst)
			require.NoError(t, err)

			more, clientFinal, err := client.Step(serverFirst)
			require.NoError(t, err)
			require.True(t, more)

			serverFinal, err := srv.final(clientFinal)
			require.NoError(t, err)

			more, _, err = client.Step(serverFinal)
			require.NoError(t, err)
			require.False(t, more)
		})
	}

	t.Run("server signature mismatch", func(t *testing.T) {
		srv := newSCRAMServer(MechanismSCRAMSHA1, "tv", "pencil")
		client, err := newSASLClient(Config{Mechanism: MechanismSCRAMSHA1, Username: "tv", Password: "pencil"})
		require.NoError(t, err)

		_, clientFirst, err := client.Step(nil)
		require.NoError(t, err)
		serverFirst, err := srv.first(clientFirst)
		require.NoError(t, err)
		_, clientFinal, err := client.Step(serverFirst)
		require.NoError(t, err)
		_, err = srv.final(clientFinal)
		require.NoError(t, err)

		_, _, err = client.Step([]byte("v=" + base64.StdEncoding.EncodeToString(make([]byte, sha1.Size))))
		require.Error(t, err)
	})

	t.Run("wrong password", func(t *testing.T) {
		srv := newSCRAMServer(MechanismSCRAMSHA256, "tv", "pencil")
		client, err := newSASLClient(Config{Mechanism: MechanismSCRAMSHA256, Username: "tv", Password: "crayon"})
		require.NoError(t, err)

		_, clientFirst, err := client.Step(nil)
		require.NoError(t, err)
		serverFirst, err := srv.first(clientFirst)
		require.NoError(t, err)
		_, clientFinal, err := client.Step(serverFirst)
		require.NoError(t, err)
		_, err = srv.final(clientFinal)
		require.EqualError(t, err, "invalid proof")
	})
}
