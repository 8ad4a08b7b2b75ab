package hawk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorize_NormalizedString(t *testing.T) {
	// Pins the hawk.1.header normalized string layout: a refactor that
	// reorders or drops a line changes the MAC and fails here.
	key := []byte("werxhqb98rpaxn39848xrunpaw3489ruxnpa98w4rxn")
	creds := &Credentials{TokenID: "dh37fgj492je", Key: key}

	req, err := http.NewRequest(http.MethodGet, "http://example.com:8000/resource/1?b=1&a=2", nil)
	require.NoError(t, err)
	require.NoError(t, creds.authorize(req, 1353832234, "j4h3g2"))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("hawk.1.header\n1353832234\nj4h3g2\nGET\n/resource/1?b=1&a=2\nexample.com\n8000\n\n\n"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	auth := req.Header.Get("Authorization")
	assert.Equal(t,
		`Hawk id="dh37fgj492je", ts="1353832234", nonce="j4h3g2", mac="`+want+`"`,
		auth)
}

func TestAuthorize_DefaultPorts(t *testing.T) {
	creds := &Credentials{TokenID: "id", Key: []byte("k")}

	req, err := http.NewRequest(http.MethodGet, "https://sync.example.com/storage/meta/global", nil)
	require.NoError(t, err)
	require.NoError(t, creds.Authorize(req, 0))

	auth := req.Header.Get("Authorization")
	assert.Regexp(t, regexp.MustCompile(`^Hawk id="id", ts="\d+", nonce="[A-Za-z0-9+/=]+", mac="[A-Za-z0-9+/=]+"$`), auth)
}

func TestAuthorize_FreshNoncePerRequest(t *testing.T) {
	creds := &Credentials{TokenID: "id", Key: []byte("k")}

	seen := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Header.Get("Authorization")] = true
	}))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
		require.NoError(t, err)
		require.NoError(t, creds.Authorize(req, 0))
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Len(t, seen, 3)
}
