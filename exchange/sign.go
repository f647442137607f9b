package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// queryParams builds a query string preserving insertion order, so the
// string that is signed is exactly the string that is sent.
type queryParams struct {
	pairs []string
}

func (p *queryParams) add(key, value string) {
	p.pairs = append(p.pairs, key+"="+url.QueryEscape(value))
}

func (p *queryParams) encode() string {
	out := ""
	for i, pair := range p.pairs {
		if i > 0 {
			out += "&"
		}
		out += pair
	}
	return out
}

// Signature returns the lowercase hex HMAC-SHA256 of the query string
// under the account secret.
func Signature(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signed appends timestamp and recvWindow, then the signature over the
// full query string, URL-encoded.
func (c *Client) signed(p *queryParams) string {
	p.add("recvWindow", strconv.FormatInt(c.params.RecvWindow, 10))
	p.add("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	query := p.encode()
	return query + "&signature=" + url.QueryEscape(Signature(c.params.Secret, query))
}

func defaultNow() time.Time { return time.Now() }
