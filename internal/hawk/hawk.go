// Package hawk builds Hawk Authorization headers for requests to the
// token-gated storage endpoints. Only the client half of the scheme is
// implemented, without payload hashes: the storage service does not
// require them and deployed clients do not send them.
package hawk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Credentials is the (id, key) pair handed out by the token server.
type Credentials struct {
	TokenID string
	Key     []byte
}

// Authorize signs req and sets its Authorization header. skewOffset is
// added to the local clock before signing; callers track it from the
// server's X-Weave-Timestamp so that a drifting local clock stays
// within the server's +/-60 s window.
func (c *Credentials) Authorize(req *http.Request, skewOffset time.Duration) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	ts := time.Now().Add(skewOffset).Unix()
	return c.authorize(req, ts, nonce)
}

func (c *Credentials) authorize(req *http.Request, ts int64, nonce string) error {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		switch req.URL.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return fmt.Errorf("hawk: unsupported scheme %q", req.URL.Scheme)
		}
	}

	resource := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		resource += "?" + req.URL.RawQuery
	}

	// hawk.1.header normalized string; empty hash and ext.
	normalized := strings.Join([]string{
		"hawk.1.header",
		strconv.FormatInt(ts, 10),
		nonce,
		req.Method,
		resource,
		host,
		port,
		"",
		"",
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, c.Key)
	mac.Write([]byte(normalized))
	tag := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", fmt.Sprintf(
		`Hawk id=%q, ts="%d", nonce=%q, mac=%q`, c.TokenID, ts, nonce, tag))
	return nil
}

func newNonce() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("hawk: failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf[:]), nil
}
